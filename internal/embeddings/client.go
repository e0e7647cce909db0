// Package embeddings provides the batching, rate-limited client for the
// text-to-vector provider. All vector production in the service goes through
// this package.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// maxAttempts bounds the per-batch retry loop: one initial call plus up to
// two retries for transient failures.
const maxAttempts = 3

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("embeddings: client closed")

// Embedder turns text into vectors. Implementations must preserve input
// order and length.
type Embedder interface {
	// Embed returns one vector per input text, in input order. The int is
	// the number of batches that were zero-filled after exhausting retries;
	// it is only ever non-zero when the input spanned multiple batches.
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
	// EmbedOne embeds a single text and fails instead of zero-filling.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	// Dimension is the configured vector width.
	Dimension() int
	Close() error
}

// Client calls an OpenAI-compatible embeddings endpoint with dynamic
// batching, a sliding per-minute rate window, bounded concurrency, and a
// circuit breaker. Safe for concurrent use.
type Client struct {
	cfg    config.EmbeddingsConfig
	http   *circuitbreaker.HTTPWrapper
	window *rateWindow
	sem    chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ Embedder = (*Client)(nil)

// The provider transport is shared by every client in the process so
// connection pools are not duplicated.
var (
	transportOnce   sync.Once
	sharedTransport *http.Transport
)

func providerTransport() *http.Transport {
	transportOnce.Do(func() {
		sharedTransport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	})
	return sharedTransport
}

// New builds a client from configuration. The breaker trips after repeated
// transport failures or 5xx responses and fast-fails until its cool-down
// expires.
func New(cfg config.EmbeddingsConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	hc := &http.Client{
		Timeout:   timeout,
		Transport: providerTransport(),
	}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper("embeddings", hc, circuitbreaker.DefaultConfig(), logger),
		window: newRateWindow(cfg.RatePerMin),
		sem:    make(chan struct{}, concurrency),
		logger: logger,
	}
}

// Dimension returns the configured vector width.
func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

// BreakerState exposes the provider breaker for health checks.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.http.State()
}

// Embed embeds texts in input order. Inputs longer than the configured
// character limit are truncated; an empty input is rejected. When the input
// spans multiple batches, a batch that exhausts its retries is zero-filled
// and counted rather than failing the whole call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	if c.isClosed() {
		return nil, 0, ErrClientClosed
	}
	if len(texts) == 0 {
		return [][]float32{}, 0, nil
	}

	prepared, err := c.prepare(texts)
	if err != nil {
		return nil, 0, err
	}

	size := c.effectiveBatchSize(prepared)
	spans := splitSpans(len(prepared), size)

	if len(spans) == 1 {
		vecs, err := c.embedBatch(ctx, prepared)
		if err != nil {
			return nil, 0, err
		}
		return vecs, 0, nil
	}

	out := make([][]float32, len(prepared))
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for _, sp := range spans {
		wg.Add(1)
		go func(sp span) {
			defer wg.Done()
			vecs, err := c.embedBatch(ctx, prepared[sp.start:sp.end])
			if err != nil {
				failed.Add(1)
				metrics.EmbeddingFailedBatches.Inc()
				c.logger.Warn("embedding batch failed, zero-filling",
					zap.Int("start", sp.start),
					zap.Int("size", sp.end-sp.start),
					zap.Error(err),
				)
				for i := sp.start; i < sp.end; i++ {
					out[i] = make([]float32, c.cfg.Dimension)
				}
				return
			}
			copy(out[sp.start:sp.end], vecs)
		}(sp)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, apperr.Wrap(apperr.Cancelled, err, "embedding cancelled")
	}
	return out, int(failed.Load()), nil
}

// EmbedOne embeds a single text. A provider failure surfaces as an error,
// never as a zero vector.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, _, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Close marks the client closed. The transport is shared and stays open for
// other clients; in-flight calls are allowed to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("embedding client closed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// prepare validates and truncates inputs. Truncation is logged once per call
// no matter how many inputs it touched.
func (c *Client) prepare(texts []string) ([]string, error) {
	maxChars := c.cfg.MaxChars()
	truncated := 0
	out := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, apperr.New(apperr.Validation, "embedding input %d is empty", i)
		}
		if maxChars > 0 && len(t) > maxChars {
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			t = t[:cut]
			truncated++
			metrics.EmbeddingTruncations.Inc()
		}
		out[i] = t
	}
	if truncated > 0 {
		c.logger.Warn("truncated embedding inputs",
			zap.Int("count", truncated),
			zap.Int("max_chars", maxChars),
		)
	}
	return out, nil
}

// embedBatch sends one batch, retrying transient failures. The concurrency
// slot is held across the whole retry loop so retries cannot multiply
// pressure on the provider.
func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Cancelled, ctx.Err(), "waiting for embedding slot")
	}
	defer func() { <-c.sem }()

	metrics.EmbeddingBatchSize.Observe(float64(len(batch)))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.RandomizationFactor = 0.2
	policy.Reset()

	var (
		lastErr   error
		lastDelay time.Duration
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := policy.NextBackOff()
			if lastDelay > wait {
				wait = lastDelay
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, apperr.Wrap(apperr.Cancelled, ctx.Err(), "embedding retry wait")
			case <-timer.C:
			}
		}

		if err := c.window.wait(ctx); err != nil {
			return nil, apperr.Wrap(apperr.Cancelled, err, "embedding rate window")
		}

		vecs, retryAfter, err := c.callProvider(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		lastDelay = retryAfter
		if !retryable(err) {
			return nil, err
		}
		c.logger.Debug("embedding call failed, will retry",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// retryable reports whether another attempt could help. An open breaker is
// terminal for this call: retrying would only block on the cool-down.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.UpstreamTransient, apperr.RateLimited:
		return true
	}
	return false
}

// Provider wire format. The request intentionally carries only model and
// input; some providers reject unknown fields such as encoding_format.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// callProvider makes exactly one HTTP call and classifies the result. The
// returned duration is the provider's Retry-After hint, when present.
func (c *Client) callProvider(ctx context.Context, batch []string) ([][]float32, time.Duration, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: batch})
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "encode embedding request")
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
			errors.Is(err, circuitbreaker.ErrTooManyRequests):
			return nil, 0, apperr.Wrap(apperr.UpstreamTransient, err, "embedding provider unavailable")
		case ctx.Err() != nil:
			return nil, 0, apperr.Wrap(apperr.Cancelled, err, "embedding request")
		default:
			return nil, 0, apperr.Wrap(apperr.UpstreamTransient, err, "embedding request")
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.EmbeddingRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		msg := providerMessage(data, resp.StatusCode)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, retryAfter, apperr.New(apperr.RateLimited, "embedding provider rate limited: %s", msg)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, 0, apperr.New(apperr.Auth, "embedding provider rejected credentials: %s", msg)
		case resp.StatusCode >= 500:
			return nil, retryAfter, apperr.New(apperr.UpstreamTransient, "embedding provider unavailable: %s", msg)
		default:
			return nil, 0, apperr.New(apperr.UpstreamPermanent, "embedding provider rejected request: %s", msg)
		}
	}

	var payload embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.EmbeddingRequests.WithLabelValues("decode_error").Inc()
		return nil, 0, apperr.Wrap(apperr.UpstreamTransient, err, "decode embedding response")
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()

	if len(payload.Data) != len(batch) {
		return nil, 0, apperr.New(apperr.UpstreamPermanent,
			"provider returned %d embeddings for %d inputs", len(payload.Data), len(batch))
	}

	vecs := make([][]float32, len(payload.Data))
	for i, d := range payload.Data {
		if c.cfg.Dimension > 0 && len(d.Embedding) != c.cfg.Dimension {
			return nil, 0, apperr.New(apperr.DimensionMismatch,
				"embedding %d has dimension %d, want %d", i, len(d.Embedding), c.cfg.Dimension)
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		vecs[i] = vec
	}
	return vecs, 0, nil
}

func providerMessage(body []byte, status int) string {
	var pe providerError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error.Message != "" {
		return pe.Error.Message
	}
	return fmt.Sprintf("status %d", status)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
