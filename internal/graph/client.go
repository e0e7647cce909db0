// Package graph is the optional HTTP client for the external entity-graph
// service. The service is a search collaborator only: this process never
// builds or mutates the graph. A nil *Client means no service is
// configured, and the graph tools stay unregistered.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

// Client calls the entity-graph service behind a circuit breaker. Safe for
// concurrent use; all methods tolerate a nil receiver.
type Client struct {
	base   string
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// New builds a client, or returns nil when no URL is configured.
func New(cfg config.GraphConfig, logger *zap.Logger) *Client {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	base := cfg.URL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Client{
		base:   base,
		http:   circuitbreaker.NewHTTPWrapper("graph", hc, circuitbreaker.DefaultConfig(), logger),
		logger: logger,
	}
}

// Enabled reports whether a graph service is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// BreakerState exposes the service breaker for health checks.
func (c *Client) BreakerState() circuitbreaker.State {
	if c == nil {
		return circuitbreaker.StateClosed
	}
	return c.http.State()
}

// Search finds entities matching a free-text query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if c == nil {
		return nil, apperr.New(apperr.Internal, "graph service not configured")
	}
	body, err := json.Marshal(searchRequest{Query: query, Limit: clampLimit(limit)})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode graph search")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build graph search")
	}
	req.Header.Set("Content-Type", "application/json")

	var out searchResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// EntityRelationships lists the edges touching one entity.
func (c *Client) EntityRelationships(ctx context.Context, entity string, limit int) ([]Relationship, error) {
	if c == nil {
		return nil, apperr.New(apperr.Internal, "graph service not configured")
	}
	u := fmt.Sprintf("%s/entities/%s/relationships?limit=%d",
		c.base, url.PathEscape(entity), clampLimit(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build graph relationships")
	}

	var out relationshipsResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Relationships, nil
}

// EntityTimeline lists dated mentions of one entity in corpus order.
func (c *Client) EntityTimeline(ctx context.Context, entity string, limit int) ([]TimelineEvent, error) {
	if c == nil {
		return nil, apperr.New(apperr.Internal, "graph service not configured")
	}
	u := fmt.Sprintf("%s/entities/%s/timeline?limit=%d",
		c.base, url.PathEscape(entity), clampLimit(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build graph timeline")
	}

	var out timelineResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Ping probes service reachability for health checks.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build graph health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.UpstreamTransient, "graph service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// do executes one call and decodes a 200 response into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := serviceMessage(data, resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperr.New(apperr.NotFound, "graph entity not found: %s", msg)
		case resp.StatusCode == http.StatusTooManyRequests:
			return apperr.New(apperr.RateLimited, "graph service rate limited: %s", msg)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return apperr.New(apperr.Auth, "graph service rejected credentials: %s", msg)
		case resp.StatusCode >= 500:
			return apperr.New(apperr.UpstreamTransient, "graph service unavailable: %s", msg)
		default:
			return apperr.New(apperr.UpstreamPermanent, "graph service rejected request: %s", msg)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.UpstreamTransient, err, "decode graph response")
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return apperr.Wrap(apperr.UpstreamTransient, err, "graph service unavailable")
	case ctx.Err() != nil:
		return apperr.Wrap(apperr.Cancelled, err, "graph request")
	default:
		return apperr.Wrap(apperr.UpstreamTransient, err, "graph request")
	}
}

func serviceMessage(body []byte, status int) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return "status " + strconv.Itoa(status)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
