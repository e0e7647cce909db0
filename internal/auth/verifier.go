// Package auth verifies bearer credentials for the HTTP surface: static
// API keys checked against bcrypt hashes loaded from a YAML file, and
// HS256 JWTs. Auth is off by default; a disabled verifier admits every
// request unexamined.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/lectern/internal/config"
)

// Credential methods reported on the authenticated principal.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
)

const (
	// API keys look like lk_<48 hex chars>; the first eight characters
	// are stored in clear as a lookup prefix so verification bcrypts
	// only the handful of candidates sharing it.
	keyScheme    = "lk_"
	keyPrefixLen = 8
	keyRandBytes = 24

	tokenIssuer     = "lectern"
	defaultTokenTTL = 30 * time.Minute
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Name    string
	Scopes  []string
	Method  string
}

// Claims are the JWT claims this service mints and accepts.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

type keyEntry struct {
	Name   string   `yaml:"name"`
	Prefix string   `yaml:"prefix"`
	Hash   string   `yaml:"hash"`
	Scopes []string `yaml:"scopes,omitempty"`
}

type keysFile struct {
	Keys []keyEntry `yaml:"keys"`
}

// Verifier authenticates bearer tokens. Immutable after New, safe for
// concurrent use.
type Verifier struct {
	enabled    bool
	byPrefix   map[string][]keyEntry
	signingKey []byte
	tokenTTL   time.Duration
	logger     *zap.Logger
}

// New builds a verifier from config. An operator who turns auth on gets
// it enforced or the process does not start: enabling auth with neither
// a JWT secret nor an API keys file is a hard error, as is an unreadable
// or malformed keys file.
func New(cfg config.AuthConfig, logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		enabled:  cfg.Enabled,
		byPrefix: make(map[string][]keyEntry),
		tokenTTL: defaultTokenTTL,
		logger:   logger,
	}
	if !cfg.Enabled {
		return v, nil
	}
	if cfg.JWTSecret == "" && cfg.APIKeysPath == "" {
		return nil, fmt.Errorf("auth enabled with neither jwt_secret nor api_keys_path")
	}
	v.signingKey = []byte(cfg.JWTSecret)
	if cfg.APIKeysPath != "" {
		if err := v.loadKeys(cfg.APIKeysPath); err != nil {
			return nil, err
		}
	}
	logger.Info("Auth enabled",
		zap.Int("api_keys", keyCount(v.byPrefix)),
		zap.Bool("jwt", len(v.signingKey) > 0),
	)
	return v, nil
}

// Enabled reports whether requests must carry credentials.
func (v *Verifier) Enabled() bool {
	return v.enabled
}

// Authenticate checks one bearer token and returns who it belongs to.
// Tokens with the API key scheme go to the key table, everything else is
// parsed as a JWT.
func (v *Verifier) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("missing credentials")
	}
	if strings.HasPrefix(token, keyScheme) {
		return v.checkAPIKey(token)
	}
	return v.checkJWT(token)
}

func (v *Verifier) checkAPIKey(key string) (*Principal, error) {
	if len(key) < keyPrefixLen {
		return nil, fmt.Errorf("malformed API key")
	}
	for _, entry := range v.byPrefix[key[:keyPrefixLen]] {
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)) == nil {
			return &Principal{
				Subject: entry.Name,
				Name:    entry.Name,
				Scopes:  entry.Scopes,
				Method:  MethodAPIKey,
			}, nil
		}
	}
	return nil, fmt.Errorf("unknown API key")
}

func (v *Verifier) checkJWT(token string) (*Principal, error) {
	if len(v.signingKey) == 0 {
		return nil, fmt.Errorf("JWT auth not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("invalid token issuer")
	}
	return &Principal{
		Subject: claims.Subject,
		Name:    claims.Subject,
		Scopes:  claims.Scopes,
		Method:  MethodJWT,
	}, nil
}

// MintToken issues an HS256 JWT for the given subject, for operator
// tooling and service-to-service calls.
func (v *Verifier) MintToken(subject string, scopes []string) (string, error) {
	if len(v.signingKey) == 0 {
		return "", fmt.Errorf("JWT auth not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}

func (v *Verifier) loadKeys(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read api keys file: %w", err)
	}
	var f keysFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse api keys file: %w", err)
	}
	for i, entry := range f.Keys {
		if entry.Name == "" {
			return fmt.Errorf("api key %d: name is required", i)
		}
		if len(entry.Prefix) != keyPrefixLen || !strings.HasPrefix(entry.Prefix, keyScheme) {
			return fmt.Errorf("api key %q: prefix must be the key's first %d characters", entry.Name, keyPrefixLen)
		}
		if _, err := bcrypt.Cost([]byte(entry.Hash)); err != nil {
			return fmt.Errorf("api key %q: hash is not bcrypt: %w", entry.Name, err)
		}
		v.byPrefix[entry.Prefix] = append(v.byPrefix[entry.Prefix], entry)
	}
	return nil
}

func keyCount(byPrefix map[string][]keyEntry) int {
	n := 0
	for _, entries := range byPrefix {
		n += len(entries)
	}
	return n
}

// GenerateKey creates a fresh API key. The caller stores only its prefix
// and bcrypt hash; the key itself is shown once.
func GenerateKey() (string, error) {
	b := make([]byte, keyRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return keyScheme + hex.EncodeToString(b), nil
}

// HashKey bcrypts an API key for the keys file.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(h), nil
}

// KeyPrefix returns the clear-text lookup prefix of a generated key.
func KeyPrefix(key string) string {
	if len(key) < keyPrefixLen {
		return key
	}
	return key[:keyPrefixLen]
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
