package llm

import (
	"bufio"
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
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// Scanner buffer bounds for streamed responses.
const (
	scanBufBytes = 64 * 1024
	scanMaxBytes = 16 * 1024 * 1024
)

// Chatter is the provider surface the orchestrator consumes.
type Chatter interface {
	// Complete makes one non-streaming chat call.
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Stream makes a streaming chat call, invoking onToken for every content
	// delta, and returns the response assembled from all chunks.
	Stream(ctx context.Context, req ChatRequest, onToken func(string)) (*ChatResponse, error)
	// Model is the configured default model name.
	Model() string
}

// Client calls an OpenAI-compatible chat-completions endpoint behind a
// circuit breaker. The client performs no retries of its own; the breaker
// guards repeated transport failures and 5xx responses. Safe for concurrent
// use.
type Client struct {
	cfg    config.LLMConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

var _ Chatter = (*Client)(nil)

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

// New builds a client from configuration. The http.Client carries no
// timeout of its own: streamed responses outlive any fixed limit, so
// deadlines come from the caller's context (Complete applies the
// configured timeout itself).
func New(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Transport: providerTransport()}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper("llm", hc, circuitbreaker.DefaultConfig(), logger),
		logger: logger,
	}
}

// Model returns the configured default model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// BreakerState exposes the provider breaker for health checks.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.http.State()
}

// Complete makes one non-streaming chat call and returns the parsed
// response. The configured timeout bounds the call unless the context
// carries an earlier deadline.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	req.StreamOptions = nil
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Model, "decode_error").Inc()
		return nil, apperr.Wrap(apperr.UpstreamTransient, err, "decode chat response")
	}
	if len(out.Choices) == 0 {
		metrics.LLMRequests.WithLabelValues(c.cfg.Model, "empty").Inc()
		return nil, apperr.New(apperr.UpstreamPermanent, "chat response has no choices")
	}
	metrics.LLMRequests.WithLabelValues(c.cfg.Model, "ok").Inc()
	return &out, nil
}

// Stream makes a streaming chat call. onToken receives each content delta
// in order; tool-call deltas are accumulated silently. The returned
// response carries the concatenated content, merged tool calls, the final
// finish reason, and usage when the provider reports it.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onToken func(string)) (*ChatResponse, error) {
	req.Stream = true
	req.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var acc accumulator
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanBufBytes), scanMaxBytes)
	for scanner.Scan() {
		line := scanner.Text()
		// Blank separators and ":" keepalive comments carry no data.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var ck chunk
		if err := json.Unmarshal([]byte(data), &ck); err != nil {
			c.logger.Debug("Skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if token := acc.add(ck); token != "" && onToken != nil {
			onToken(token)
		}
	}
	if err := scanner.Err(); err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Model, "stream_error").Inc()
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.Cancelled, err, "chat stream")
		}
		return nil, apperr.Wrap(apperr.UpstreamTransient, err, "chat stream interrupted")
	}
	if err := ctx.Err(); err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Model, "stream_error").Inc()
		return nil, apperr.Wrap(apperr.Cancelled, err, "chat stream")
	}
	metrics.LLMRequests.WithLabelValues(c.cfg.Model, "ok").Inc()
	return acc.response(), nil
}

// Ping probes provider reachability for health checks. Any HTTP response
// proves the provider is up; a 4xx (wrong key, missing route) still means
// reachable.
func (c *Client) Ping(ctx context.Context) error {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build models request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.UpstreamTransient, "chat provider unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// post sends one chat-completions request; callers own the response body.
func (c *Client) post(ctx context.Context, body ChatRequest) (*http.Response, error) {
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode chat request")
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Model, "error").Inc()
		return nil, c.transportError(ctx, err)
	}
	return resp, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return apperr.Wrap(apperr.UpstreamTransient, err, "chat provider unavailable")
	case ctx.Err() != nil:
		return apperr.Wrap(apperr.Cancelled, err, "chat request")
	default:
		return apperr.Wrap(apperr.UpstreamTransient, err, "chat request")
	}
}

// statusError classifies a non-200 response and consumes its body.
func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	metrics.LLMRequests.WithLabelValues(c.cfg.Model, strconv.Itoa(resp.StatusCode)).Inc()
	msg := providerMessage(data, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.New(apperr.RateLimited, "chat provider rate limited: %s", msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.Auth, "chat provider rejected credentials: %s", msg)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.UpstreamTransient, "chat provider unavailable: %s", msg)
	default:
		return apperr.New(apperr.UpstreamPermanent, "chat provider rejected request: %s", msg)
	}
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func providerMessage(body []byte, status int) string {
	var pe providerError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error.Message != "" {
		return pe.Error.Message
	}
	return fmt.Sprintf("status %d", status)
}

// accumulator folds streaming chunks back into a single ChatResponse.
type accumulator struct {
	resp    ChatResponse
	content strings.Builder
	calls   []ToolCall
	finish  string
	role    string
}

// add merges one chunk and returns its content delta, if any.
func (a *accumulator) add(ck chunk) string {
	if a.resp.ID == "" {
		a.resp.ID = ck.ID
		a.resp.Model = ck.Model
		a.resp.Created = ck.Created
	}
	if ck.Usage != nil {
		u := *ck.Usage
		a.resp.Usage = &u
	}
	if len(ck.Choices) == 0 {
		return ""
	}
	ch := ck.Choices[0]
	if ch.FinishReason != "" {
		a.finish = ch.FinishReason
	}
	if ch.Delta == nil {
		return ""
	}
	if ch.Delta.Role != "" {
		a.role = ch.Delta.Role
	}
	for _, tc := range ch.Delta.ToolCalls {
		for len(a.calls) <= tc.Index {
			a.calls = append(a.calls, ToolCall{})
		}
		cur := &a.calls[tc.Index]
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Type != "" {
			cur.Type = tc.Type
		}
		if tc.Function.Name != "" {
			cur.Function.Name = tc.Function.Name
		}
		cur.Function.Arguments += tc.Function.Arguments
	}
	if ch.Delta.Content != "" {
		a.content.WriteString(ch.Delta.Content)
	}
	return ch.Delta.Content
}

func (a *accumulator) response() *ChatResponse {
	role := a.role
	if role == "" {
		role = RoleAssistant
	}
	msg := &Message{Role: role, Content: a.content.String()}
	if len(a.calls) > 0 {
		msg.ToolCalls = a.calls
	}
	a.resp.Object = "chat.completion"
	a.resp.Choices = []Choice{{Index: 0, Message: msg, FinishReason: a.finish}}
	return &a.resp
}
