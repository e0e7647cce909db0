package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(config.LLMConfig{
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-test",
		Timeout: 5 * time.Second,
	}, zaptest.NewLogger(t))
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
}

func TestCompleteParsesResponse(t *testing.T) {
	var wire map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		fmt.Fprint(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Call me Ishmael."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv.URL).Complete(context.Background(), ChatRequest{
		Messages: []Message{SystemMessage("answer briefly"), UserMessage("how does the novel open?")},
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Message())
	assert.Equal(t, "Call me Ishmael.", resp.Message().Content)
	assert.Equal(t, FinishStop, resp.FinishReason())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 17, resp.Usage.TotalTokens)

	// Model filled from config, stream flag never sent for Complete.
	assert.Equal(t, "gpt-test", wire["model"])
	_, hasStream := wire["stream"]
	assert.False(t, hasStream)
}

func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "chatcmpl-2", "object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "hybrid_search", "arguments": "{\"query\":\"white whale\",\"k\":5}"}}]},
				"finish_reason": "tool_calls"}]
		}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv.URL).Complete(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("find the whale")},
	})
	require.NoError(t, err)

	assert.Equal(t, FinishToolCalls, resp.FinishReason())
	require.Len(t, resp.Message().ToolCalls, 1)
	tc := resp.Message().ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "hybrid_search", tc.Function.Name)
	assert.JSONEq(t, `{"query":"white whale","k":5}`, tc.Function.Arguments)
}

func TestCompleteClassifiesProviderErrors(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantKind apperr.Kind
	}{
		{"bad request", http.StatusBadRequest, apperr.UpstreamPermanent},
		{"unauthorized", http.StatusUnauthorized, apperr.Auth},
		{"rate limited", http.StatusTooManyRequests, apperr.RateLimited},
		{"server error", http.StatusInternalServerError, apperr.UpstreamTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error": {"message": "model gpt-test is overloaded", "type": "server_error"}}`)
			}))
			defer srv.Close()

			_, err := testClient(t, srv.URL).Complete(context.Background(), ChatRequest{
				Messages: []Message{UserMessage("hi")},
			})
			require.Error(t, err)
			assert.True(t, apperr.Is(err, tc.wantKind), "got %v", err)
			assert.Contains(t, err.Error(), "model gpt-test is overloaded")
			// The client never retries; only the embedding path does.
			assert.Equal(t, int64(1), hits.Load())
		})
	}
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "chatcmpl-3", "choices": []}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Complete(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("hi")},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UpstreamPermanent))
}

func TestCompleteFastFailsWhenBreakerOpen(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		_, err := client.Complete(context.Background(), ChatRequest{Messages: []Message{UserMessage("hi")}})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	start := time.Now()
	_, err := client.Complete(context.Background(), ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UpstreamTransient))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(5), hits.Load())
}

func TestStreamAssemblesContent(t *testing.T) {
	var wire map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		writeSSE(w,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Call"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":" me"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":" Ishmael."}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`,
			`[DONE]`,
		)
	}))
	defer srv.Close()

	var tokens []string
	resp, err := testClient(t, srv.URL).Stream(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("how does the novel open?")},
	}, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Call", " me", " Ishmael."}, tokens)
	assert.Equal(t, "Call me Ishmael.", resp.Message().Content)
	assert.Equal(t, RoleAssistant, resp.Message().Role)
	assert.Equal(t, FinishStop, resp.FinishReason())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
	assert.Equal(t, "c1", resp.ID)

	assert.Equal(t, true, wire["stream"])
	opts, ok := wire["stream_options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, opts["include_usage"])
}

func TestStreamAssemblesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"c2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"vector_search","arguments":""}}]}}]}`,
			`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
			`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"harpoon\"}"}}]}}]}`,
			`{"id":"c2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)
	}))
	defer srv.Close()

	var tokens []string
	resp, err := testClient(t, srv.URL).Stream(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("find the harpoon")},
	}, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Empty(t, tokens)
	assert.Equal(t, FinishToolCalls, resp.FinishReason())
	require.Len(t, resp.Message().ToolCalls, 1)
	tc := resp.Message().ToolCalls[0]
	assert.Equal(t, "call_9", tc.ID)
	assert.Equal(t, "vector_search", tc.Function.Name)
	assert.JSONEq(t, `{"query":"harpoon"}`, tc.Function.Arguments)
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down", "type": "rate_limit_error"}}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Stream(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.RateLimited))
	assert.Contains(t, err.Error(), "slow down")
}

func TestStreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c3\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"First\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens []string
	done := make(chan error, 1)
	go func() {
		_, err := testClient(t, srv.URL).Stream(ctx, ChatRequest{
			Messages: []Message{UserMessage("hi")},
		}, func(tok string) {
			tokens = append(tokens, tok)
			cancel()
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.Cancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not unwind after cancellation")
	}
	assert.Equal(t, []string{"First"}, tokens)
}

func TestPing(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	require.NoError(t, client.Ping(context.Background()))

	// 4xx still proves reachability.
	status.Store(http.StatusNotFound)
	require.NoError(t, client.Ping(context.Background()))

	status.Store(http.StatusInternalServerError)
	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UpstreamTransient))
}
