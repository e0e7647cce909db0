package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/llm"
	"github.com/Kocoro-lab/lectern/internal/policy"
	"github.com/Kocoro-lab/lectern/internal/pricing"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/streaming"
	"github.com/Kocoro-lab/lectern/internal/usage"
)

// fakeLLM scripts the model: reply decides each call's response from its
// ordinal and the request, tokens[i] is streamed before call i's reply.
type fakeLLM struct {
	mu     sync.Mutex
	calls  []llm.ChatRequest
	reply  func(call int, req llm.ChatRequest) (*llm.ChatResponse, error)
	tokens [][]string
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(call, req)
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	var toks []string
	if call < len(f.tokens) {
		toks = f.tokens[call]
	}
	f.mu.Unlock()
	for _, tok := range toks {
		onToken(tok)
	}
	return f.reply(call, req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) request(i int) llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func answer(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.Choice{{
			Message:      &llm.Message{Role: llm.RoleAssistant, Content: content},
			FinishReason: llm.FinishStop,
		}},
		Usage: &llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
	}
}

func toolCallRound(id, name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.Choice{{
			Message: &llm.Message{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:       id,
					Type:     "function",
					Function: llm.ToolCallFunction{Name: name, Arguments: args},
				}},
			},
			FinishReason: llm.FinishToolCalls,
		}},
		Usage: &llm.Usage{PromptTokens: 30, CompletionTokens: 8, TotalTokens: 38},
	}
}

type fakeSink struct {
	mu      sync.Mutex
	records []usage.TokenUsage
}

func (f *fakeSink) Record(u usage.TokenUsage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, u)
}

func (f *fakeSink) all() []usage.TokenUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]usage.TokenUsage, len(f.records))
	copy(out, f.records)
	return out
}

type fixture struct {
	orch      *Orchestrator
	sessions  *session.Manager
	hub       *streaming.Hub
	llm       *fakeLLM
	retriever *fakeRetriever
	sink      *fakeSink
	registry  *Registry
}

func newFixture(t *testing.T, fll *fakeLLM, cfg config.AgentConfig) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper("agent-test", client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = rw.Close() })
	sessions := session.NewManager(rw, config.SessionConfig{}, zaptest.NewLogger(t))

	retriever := &fakeRetriever{results: sampleResults()}
	reg := coreRegistry(t, retriever, &fakeDocs{})
	hub := streaming.NewHub(16, zaptest.NewLogger(t))
	sink := &fakeSink{}

	table, err := pricing.Load("", zaptest.NewLogger(t))
	require.NoError(t, err)

	orch := New(Deps{
		LLM:      fll,
		Sessions: sessions,
		Hub:      hub,
		Registry: reg,
		Pricing:  table,
		Usage:    sink,
	}, cfg, zaptest.NewLogger(t))

	return &fixture{
		orch:      orch,
		sessions:  sessions,
		hub:       hub,
		llm:       fll,
		retriever: retriever,
		sink:      sink,
		registry:  reg,
	}
}

func TestChatAnswersWithoutTools(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return answer("The whale wins."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})
	ctx := context.Background()

	res, err := fx.orch.Chat(ctx, Request{Message: "Who wins in the end?"})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, "The whale wins.", res.Response)
	assert.Empty(t, res.Citations)

	// Prompt shape: system first, the user's message last, tools offered.
	first := fll.request(0)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)
	assert.Equal(t, "Who wins in the end?", first.Messages[1].Content)
	assert.NotEmpty(t, first.Tools)

	// The exchange is persisted and priced.
	sess, err := fx.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, llm.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, "The whale wins.", sess.Messages[1].Content)
	assert.Equal(t, 50, sess.TotalTokens)
	assert.Greater(t, sess.TotalCostUSD, 0.0)

	records := fx.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, res.SessionID, records[0].SessionID)
	assert.Equal(t, "test-model", records[0].Model)
	assert.Equal(t, 50, records[0].TotalTokens)
}

func TestChatRunsToolsAndCollectsCitations(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 0 {
			return toolCallRound("call-1", "hybrid_search", `{"query":"white whale","k":2}`), nil
		}
		return answer("It is Moby Dick."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	res, err := fx.orch.Chat(context.Background(), Request{Message: "What is the whale's name?"})
	require.NoError(t, err)
	assert.Equal(t, "It is Moby Dick.", res.Response)
	require.Equal(t, 2, fll.callCount())

	// The tool ran with the model's arguments.
	require.Equal(t, 1, fx.retriever.callCount())
	assert.Equal(t, "white whale", fx.retriever.queries[0])
	assert.Equal(t, 2, fx.retriever.ks[0])

	// Second call sees the assistant's tool request and the tool reply.
	second := fll.request(1)
	require.Len(t, second.Messages, 4)
	assert.NotEmpty(t, second.Messages[2].ToolCalls)
	toolMsg := second.Messages[3]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Equal(t, "hybrid_search", toolMsg.Name)
	assert.Contains(t, toolMsg.Content, "Call me Ishmael.")

	// Citations come from the search output, one per chunk.
	require.Len(t, res.Citations, 2)
	assert.Equal(t, int64(11), res.Citations[0].ChunkID)
	assert.Equal(t, docMobyDick.String(), res.Citations[0].DocumentID)
	assert.Equal(t, "Moby-Dick", res.Citations[0].DocumentTitle)

	// Both model calls were priced.
	assert.Len(t, fx.sink.all(), 2)
	sess, err := fx.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 88, sess.TotalTokens)
}

func TestChatSecondTurnCarriesHistory(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return answer("Indeed."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})
	ctx := context.Background()

	res, err := fx.orch.Chat(ctx, Request{Message: "Is the Pequod a ship?"})
	require.NoError(t, err)

	_, err = fx.orch.Chat(ctx, Request{SessionID: res.SessionID, Message: "And who captains it?"})
	require.NoError(t, err)

	second := fll.request(1)
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "Is the Pequod a ship?", second.Messages[1].Content)
	assert.Equal(t, llm.RoleAssistant, second.Messages[2].Role)
	assert.Equal(t, "And who captains it?", second.Messages[3].Content)
}

func TestSearchTypePinsToolMode(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 0 {
			return toolCallRound("call-1", "vector_search", `{"query":"harpoon"}`), nil
		}
		return answer("Found it."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	_, err := fx.orch.Chat(context.Background(), Request{Message: "Find harpoons", SearchType: "text"})
	require.NoError(t, err)

	require.Equal(t, 1, fx.retriever.callCount())
	assert.Equal(t, retrieval.ModeText, fx.retriever.mode(0), "request search_type overrides the tool's own mode")
}

func TestChatRejectsBadSearchType(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		t.Fatal("model should not be called")
		return nil, nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	_, err := fx.orch.Chat(context.Background(), Request{Message: "hello", SearchType: "psychic"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		t.Fatal("model should not be called")
		return nil, nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	_, err := fx.orch.Chat(context.Background(), Request{Message: "   \n\t"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.Equal(t, 0, fll.callCount())
}

func TestUnknownToolBecomesErrorPayload(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 0 {
			return toolCallRound("call-1", "summon_kraken", `{}`), nil
		}
		return answer("No kraken here."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	res, err := fx.orch.Chat(context.Background(), Request{Message: "Summon the kraken"})
	require.NoError(t, err, "a bad tool call must not fail the turn")
	assert.Equal(t, "No kraken here.", res.Response)

	toolMsg := fll.request(1).Messages[3]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "unknown_tool")
	assert.Contains(t, toolMsg.Content, "summon_kraken")
}

func TestInvalidToolArgsBecomeErrorPayload(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 0 {
			return toolCallRound("call-1", "hybrid_search", `{"k":5}`), nil
		}
		return answer("Let me try again."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	_, err := fx.orch.Chat(context.Background(), Request{Message: "Search for nothing"})
	require.NoError(t, err)

	toolMsg := fll.request(1).Messages[3]
	assert.Contains(t, toolMsg.Content, "validation")
	assert.Contains(t, toolMsg.Content, "query is required")
	assert.Equal(t, 0, fx.retriever.callCount(), "invalid args never reach the tool")
}

func TestToolBudgetForcesPlainAnswer(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if len(req.Tools) > 0 {
			return toolCallRound("call-x", "hybrid_search", `{"query":"again"}`), nil
		}
		return answer("Enough searching."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{MaxToolCalls: 2})

	res, err := fx.orch.Chat(context.Background(), Request{Message: "Search forever"})
	require.NoError(t, err)
	assert.Equal(t, "Enough searching.", res.Response)

	// Two tool rounds, then a final call with no tools on offer.
	require.Equal(t, 3, fll.callCount())
	assert.Empty(t, fll.request(2).Tools)
	assert.Equal(t, 2, fx.retriever.callCount())
}

func TestPolicyDenialReportedToModel(t *testing.T) {
	dir := t.TempDir()
	denyPolicy := `
package lectern.tools

default decision = {"allow": true, "reason": "permitted"}

decision = {"allow": false, "reason": "graph tools are disabled"} {
	input.tool == "graph_search"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.rego"), []byte(denyPolicy), 0o644))
	engine, err := policy.New(config.PolicyConfig{Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 0 {
			return toolCallRound("call-1", "graph_search", `{"query":"Ahab"}`), nil
		}
		return answer("The graph is off."), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})
	g := &fakeGraph{}
	require.NoError(t, RegisterGraphTools(fx.registry, g))
	fx.orch.policy = engine

	res, err := fx.orch.Chat(context.Background(), Request{Message: "Who is Ahab connected to?"})
	require.NoError(t, err)
	assert.Equal(t, "The graph is off.", res.Response)

	toolMsg := fll.request(1).Messages[3]
	assert.Contains(t, toolMsg.Content, "policy_denied")
	assert.Contains(t, toolMsg.Content, "graph tools are disabled")
	assert.Empty(t, g.searched, "denied call never reaches the tool")
}

func TestStreamingPublishesTokensCitationsAndEnd(t *testing.T) {
	fll := &fakeLLM{
		reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
			if call == 0 {
				return toolCallRound("call-1", "hybrid_search", `{"query":"whale","k":2}`), nil
			}
			return answer("Moby"), nil
		},
		tokens: [][]string{nil, {"Mo", "by"}},
	}
	fx := newFixture(t, fll, config.AgentConfig{})
	ctx := context.Background()

	sid, err := fx.orch.ResolveSession(ctx, "", "")
	require.NoError(t, err)
	ch := fx.hub.Subscribe(sid, 32)
	defer fx.hub.Unsubscribe(sid, ch)

	res, err := fx.orch.Chat(ctx, Request{SessionID: sid, Message: "Name the whale", Streaming: true})
	require.NoError(t, err)
	assert.Equal(t, "Moby", res.Response)

	var events []streaming.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("stream never ended")
		}
		if events[len(events)-1].Type == streaming.TypeEnd {
			break
		}
	}

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []string{
		streaming.TypeToken, streaming.TypeToken,
		streaming.TypeCitation, streaming.TypeCitation,
		streaming.TypeEnd,
	}, types)

	assert.Equal(t, "Mo", events[0].Content)
	assert.Equal(t, "by", events[1].Content)
	require.NotNil(t, events[2].Citation)
	assert.Equal(t, int64(11), events[2].Citation.ChunkID)
	assert.Equal(t, "Moby", events[4].Response)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "event sequence must increase")
	}
}

func TestStreamingFailurePublishesErrorEvent(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, apperr.New(apperr.UpstreamTransient, "provider down")
	}}
	fx := newFixture(t, fll, config.AgentConfig{})
	ctx := context.Background()

	sid, err := fx.orch.ResolveSession(ctx, "", "")
	require.NoError(t, err)
	ch := fx.hub.Subscribe(sid, 8)
	defer fx.hub.Unsubscribe(sid, ch)

	_, err = fx.orch.Chat(ctx, Request{SessionID: sid, Message: "hello", Streaming: true})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UpstreamTransient))

	select {
	case ev := <-ch:
		assert.Equal(t, streaming.TypeError, ev.Type)
		assert.Equal(t, "provider down", ev.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event published")
	}
}

func TestCancelledTurnPersistsNothingButBillsUsage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		cancel() // client walks away while the model is talking
		return answer("too late"), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})

	sid, err := fx.orch.ResolveSession(context.Background(), "", "")
	require.NoError(t, err)

	_, err = fx.orch.Chat(ctx, Request{SessionID: sid, Message: "hello"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Cancelled))

	// The provider billed for the call even though nothing was persisted.
	sess, err := fx.sessions.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)
	assert.Equal(t, 50, sess.TotalTokens)
	assert.Len(t, fx.sink.all(), 1)
}

func TestResolveSessionIsStable(t *testing.T) {
	fll := &fakeLLM{reply: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return answer("ok"), nil
	}}
	fx := newFixture(t, fll, config.AgentConfig{})
	ctx := context.Background()

	sid, err := fx.orch.ResolveSession(ctx, "", "u-1")
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	again, err := fx.orch.ResolveSession(ctx, sid, "u-1")
	require.NoError(t, err)
	assert.Equal(t, sid, again)
}

func TestHistoryBudgetKeepsNewestMessages(t *testing.T) {
	o := New(Deps{}, config.AgentConfig{HistoryMessages: 10, HistoryTokenBudget: 20}, nil)

	sess := &session.Session{Messages: []session.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("a", 200)},
		{Role: llm.RoleAssistant, Content: "short"},
		{Role: llm.RoleUser, Content: "tail"},
	}}

	h := o.boundedHistory(sess)
	require.Len(t, h, 2, "the long head message falls out of the budget")
	assert.Equal(t, "short", h[0].Content)
	assert.Equal(t, "tail", h[1].Content)

	// A single over-budget message is still kept: the model needs at
	// least the latest exchange.
	sess = &session.Session{Messages: []session.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("b", 500)},
	}}
	h = o.boundedHistory(sess)
	require.Len(t, h, 1)
}

func TestKeyedMutexSerializesSameKeyOnly(t *testing.T) {
	km := newKeyedMutex()
	km.lock("a")

	acquired := make(chan struct{})
	go func() {
		km.lock("a")
		close(acquired)
		km.unlock("a")
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on a held key must block")
	case <-time.After(50 * time.Millisecond):
	}

	km.lock("b") // an unrelated key is free
	km.unlock("b")

	km.unlock("a")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was never handed over")
	}
}
