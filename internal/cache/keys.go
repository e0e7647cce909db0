package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a stable cache key from its input parts using SHA-256.
// Parts are joined with a separator that cannot appear in text, so
// ("ab","c") and ("a","bc") never collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbeddingKey is the fingerprint used for query embeddings: the same text
// embedded under a different provider or model is a different entry.
func EmbeddingKey(provider, model, text string) string {
	return "emb:" + Fingerprint(provider, model, text)
}
