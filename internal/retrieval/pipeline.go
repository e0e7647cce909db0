// Package retrieval turns a raw user query into a ranked passage list. It
// normalizes the query, picks fusion weights from the detected intent,
// embeds through the cache, searches the store, and de-duplicates
// neighboring chunks so one document section cannot crowd out the rest.
package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/cache"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/metrics"
	"github.com/Kocoro-lab/lectern/internal/store"
)

// Mode selects the search strategy. Auto resolves to hybrid with
// intent-derived weights.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
	ModeHybrid Mode = "hybrid"
	ModeAuto   Mode = "auto"
)

// ParseMode validates a client-supplied mode string. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeVector, ModeText, ModeHybrid, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", apperr.New(apperr.Validation, "unknown search mode %q", s)
	}
}

// Debug reports how a retrieval was actually executed, for clients that
// asked for it and for the agent's citation events.
type Debug struct {
	Intent       Intent  `json:"intent,omitempty"`
	VectorWeight float64 `json:"w_vec,omitempty"`
	TextWeight   float64 `json:"w_text,omitempty"`
	CacheHit     bool    `json:"cache_hit"`
	Degraded     bool    `json:"degraded"`
}

// Searcher is the slice of the store the pipeline needs.
type Searcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, providerTag string, k int, filters *store.Filters) ([]store.SearchResult, error)
	TextSearch(ctx context.Context, queryText, providerTag string, k int) ([]store.SearchResult, error)
	HybridSearch(ctx context.Context, queryVec []float32, queryText, providerTag string, k int, opts store.HybridOptions) ([]store.SearchResult, error)
}

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Pipeline wires query normalization, intent detection, cached embedding
// and store search behind a single Retrieve call.
type Pipeline struct {
	store    Searcher
	embedder Embedder
	cache    *cache.Cache
	tuning   *config.TuningStore
	provider string
	model    string
	logger   *zap.Logger
}

func New(s Searcher, e Embedder, c *cache.Cache, tuning *config.TuningStore, emb config.EmbeddingsConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    s,
		embedder: e,
		cache:    c,
		tuning:   tuning,
		provider: emb.Provider,
		model:    emb.Model,
		logger:   logger,
	}
}

// Retrieve runs the full pipeline and returns up to k results ordered by
// descending score. k == 0 returns an empty slice without touching the
// store. Embedding failures degrade vector and hybrid searches to pure
// text rather than failing the call; store failures always surface.
func (p *Pipeline) Retrieve(ctx context.Context, query string, mode Mode, k int) ([]store.SearchResult, Debug, error) {
	return p.RetrieveFiltered(ctx, query, mode, k, nil)
}

// RetrieveFiltered is Retrieve narrowed to a document or source. Filters
// bind only to vector search: the text ranking primitive has no filter
// clause, so filtered text or hybrid requests are rejected, and a filtered
// vector search fails instead of degrading to unfiltered text.
func (p *Pipeline) RetrieveFiltered(ctx context.Context, query string, mode Mode, k int, filters *store.Filters) ([]store.SearchResult, Debug, error) {
	var debug Debug
	start := time.Now()

	if filters != nil && mode != ModeVector {
		metrics.SearchRequests.WithLabelValues(string(mode), "error").Inc()
		return nil, debug, apperr.New(apperr.Validation, "filters are only supported for vector search")
	}

	norm, err := normalizeQuery(query, p.tuning.Get().MaxQueryChars)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(string(mode), "error").Inc()
		return nil, debug, err
	}
	if k <= 0 {
		return []store.SearchResult{}, debug, nil
	}

	t := p.tuning.Get()
	searchMode := mode
	var wVec, wText float64
	switch mode {
	case ModeAuto:
		intent := DetectIntent(norm)
		debug.Intent = intent
		metrics.QueryIntent.WithLabelValues(string(intent)).Inc()
		wVec, wText = t.WeightsFor(string(intent))
		searchMode = ModeHybrid
	case ModeHybrid:
		wVec, wText = t.WeightsFor(string(IntentBalanced))
	case ModeVector, ModeText:
	default:
		metrics.SearchRequests.WithLabelValues(string(mode), "error").Inc()
		return nil, debug, apperr.New(apperr.Validation, "unknown search mode %q", mode)
	}
	if searchMode == ModeHybrid {
		debug.VectorWeight, debug.TextWeight = wVec, wText
	}

	var queryVec []float32
	if searchMode != ModeText {
		queryVec, debug.CacheHit, err = p.embedQuery(ctx, norm)
		if err != nil {
			if apperr.Is(err, apperr.Cancelled) || filters != nil {
				metrics.SearchRequests.WithLabelValues(string(mode), "error").Inc()
				return nil, debug, err
			}
			debug.Degraded = true
			metrics.RetrievalDegraded.Inc()
			p.logger.Warn("embedding failed, degrading to text-only search",
				zap.String("mode", string(mode)),
				zap.Error(err))
			searchMode = ModeText
		}
	}

	// Fetch twice what the caller asked for so diversification can drop
	// near-duplicate neighbors and still fill k slots.
	fetch := k * 2
	var results []store.SearchResult
	switch searchMode {
	case ModeVector:
		results, err = p.store.VectorSearch(ctx, queryVec, p.provider, fetch, filters)
	case ModeText:
		results, err = p.store.TextSearch(ctx, norm, p.provider, fetch)
	case ModeHybrid:
		results, err = p.store.HybridSearch(ctx, queryVec, norm, p.provider, fetch, store.HybridOptions{
			VectorWeight: wVec,
			TextWeight:   wText,
			RRFK:         t.RRFK,
		})
	}
	if err != nil {
		metrics.SearchRequests.WithLabelValues(string(mode), "error").Inc()
		return nil, debug, err
	}

	results = diversify(results, t.DiversityWindow)
	if len(results) > k {
		results = results[:k]
	}

	metrics.SearchRequests.WithLabelValues(string(mode), "ok").Inc()
	metrics.SearchDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return results, debug, nil
}

// embedQuery returns the query vector, hitting the cache first. The bool
// reports whether the vector came from cache.
func (p *Pipeline) embedQuery(ctx context.Context, query string) ([]float32, bool, error) {
	key := cache.EmbeddingKey(p.provider, p.model, query)
	if data, ok := p.cache.Get(ctx, key); ok {
		vec, err := cache.DecodeVector(data)
		if err == nil {
			return vec, true, nil
		}
		p.logger.Warn("dropping corrupt cached embedding", zap.Error(err))
		p.cache.Invalidate(ctx, key)
	}

	vec, err := p.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, false, err
	}
	if err := p.cache.Put(ctx, key, cache.EncodeVector(vec), 0); err != nil {
		p.logger.Debug("embedding not cached", zap.Error(err))
	}
	return vec, false, nil
}

// normalizeQuery trims and collapses internal whitespace, then bounds the
// result. Limits apply to the normalized form so padding cannot bypass them.
func normalizeQuery(q string, maxChars int) (string, error) {
	norm := strings.Join(strings.Fields(q), " ")
	if norm == "" {
		return "", apperr.New(apperr.Validation, "query is empty")
	}
	if maxChars > 0 && len(norm) > maxChars {
		return "", apperr.New(apperr.Validation, "query exceeds %d characters", maxChars)
	}
	return norm, nil
}

// diversify keeps the best-scoring chunk per (document, neighborhood)
// group. Input is ordered by descending score, so the first chunk seen for
// a group is its representative and overall order is preserved.
func diversify(results []store.SearchResult, window int) []store.SearchResult {
	if window <= 1 {
		return results
	}
	type group struct {
		doc    uuid.UUID
		bucket int
	}
	seen := make(map[group]struct{}, len(results))
	out := results[:0:0]
	for _, r := range results {
		g := group{doc: r.DocumentID, bucket: r.ChunkIndex / window}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, r)
	}
	return out
}
