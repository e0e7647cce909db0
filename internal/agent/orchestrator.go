package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/llm"
	"github.com/Kocoro-lab/lectern/internal/metrics"
	"github.com/Kocoro-lab/lectern/internal/policy"
	"github.com/Kocoro-lab/lectern/internal/pricing"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/streaming"
	"github.com/Kocoro-lab/lectern/internal/usage"
)

const (
	defaultTurnTimeout  = 90 * time.Second
	defaultToolTimeout  = 10 * time.Second
	defaultMaxToolCalls = 8

	// Per model call, inside the turn deadline.
	llmCallTimeout = 60 * time.Second

	// Session usage totals are written even when the turn context is gone.
	usageWriteTimeout = 5 * time.Second
)

const defaultSystemPrompt = `You are a research assistant answering questions about a fixed corpus of documents. Ground every factual claim in passages fetched with the search tools, prefer hybrid_search for broad questions and vector_search for paraphrased ones, and say plainly when the corpus does not answer the question. Keep answers concise and quote sparingly.`

// Request is one chat turn as the transport layer hands it over.
type Request struct {
	SessionID  string // empty means start a new session
	UserID     string
	Message    string
	SearchType string // vector, text, hybrid or auto; empty means auto
	Streaming  bool   // publish token/citation/end events to the hub
}

// Result is the completed turn.
type Result struct {
	SessionID string
	Response  string
	Citations []streaming.Citation
}

// UsageSink receives per-call token accounting. Satisfied by
// *usage.Recorder.
type UsageSink interface {
	Record(u usage.TokenUsage)
}

// Deps are the orchestrator's collaborators. LLM, Sessions and Registry
// are required; the rest degrade gracefully when nil.
type Deps struct {
	LLM      llm.Chatter
	Sessions *session.Manager
	Hub      *streaming.Hub
	Registry *Registry
	Policy   *policy.Engine
	Pricing  *pricing.Table
	Usage    UsageSink
	Provider string // billing label on usage rows, defaults to "openai"
}

// Orchestrator drives one conversational turn: resolve the session, build
// the prompt from bounded history, let the model call tools until it
// answers, then persist the exchange. Turns on the same session are
// serialized; turns on different sessions run concurrently.
type Orchestrator struct {
	llm      llm.Chatter
	sessions *session.Manager
	hub      *streaming.Hub
	registry *Registry
	policy   *policy.Engine
	pricing  *pricing.Table
	usage    UsageSink
	provider string

	cfg    config.AgentConfig
	locks  *keyedMutex
	logger *zap.Logger
}

// New wires an orchestrator. Zero config fields get production defaults.
func New(deps Deps, cfg config.AgentConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaultMaxToolCalls
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	provider := deps.Provider
	if provider == "" {
		provider = "openai"
	}
	return &Orchestrator{
		llm:      deps.LLM,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		registry: deps.Registry,
		policy:   deps.Policy,
		pricing:  deps.Pricing,
		usage:    deps.Usage,
		provider: provider,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// ResolveSession materializes the turn's session up front so a streaming
// caller can subscribe to its events before the turn starts producing
// them. Chat on the returned ID is a cheap repeat lookup.
func (o *Orchestrator) ResolveSession(ctx context.Context, sessionID, userID string) (string, error) {
	s, err := o.sessions.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// turn is the mutable state of one Chat call.
type turn struct {
	req       Request
	sessionID string
	calls     int // tools actually invoked
	citations []streaming.Citation
	seen      map[int64]struct{} // chunk IDs already cited
}

// Chat runs one turn to completion. On success the user and assistant
// messages are appended to the session; a cancelled or failed turn
// persists nothing. In streaming mode the turn's events go to the hub and
// the terminal event (end or error) always follows the tokens.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, o.failStream(req, apperr.New(apperr.Validation, "message must not be empty"))
	}
	mode, err := retrieval.ParseMode(req.SearchType)
	if err != nil {
		return nil, o.failStream(req, err)
	}

	sess, err := o.sessions.GetOrCreate(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, o.failStream(req, err)
	}
	req.SessionID = sess.ID

	// One turn at a time per session.
	o.locks.lock(sess.ID)
	defer o.locks.unlock(sess.ID)

	// A turn that held the lock before us may have grown the history.
	sess, err = o.sessions.Get(ctx, sess.ID)
	if err != nil {
		return nil, o.failStream(req, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()
	ctx = WithSearchMode(ctx, mode)

	start := time.Now()
	t := &turn{req: req, sessionID: sess.ID, seen: make(map[int64]struct{})}
	result, err := o.run(ctx, t, sess)

	status := "ok"
	if err != nil {
		status = "error"
		if apperr.Is(err, apperr.Cancelled) {
			status = "cancelled"
		}
	}
	streamLabel := "false"
	if req.Streaming {
		streamLabel = "true"
	}
	metrics.ChatTurns.WithLabelValues(streamLabel, status).Inc()
	metrics.ChatTurnDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		o.logger.Warn("Chat turn failed",
			zap.String("session_id", t.sessionID),
			zap.String("status", status),
			zap.Int("tool_calls", t.calls),
			zap.Error(err),
		)
		if req.Streaming && o.hub != nil {
			o.hub.Publish(t.sessionID, streaming.Event{
				Type:  streaming.TypeError,
				Error: publicError(err),
			})
		}
		return nil, err
	}

	o.logger.Info("Chat turn completed",
		zap.String("session_id", t.sessionID),
		zap.Int("tool_calls", t.calls),
		zap.Int("citations", len(t.citations)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// run is the model/tool loop. The model is called with the full tool set
// until it answers in plain text or spends the tool budget; after the
// budget a final call without tools forces an answer from what it has.
func (o *Orchestrator) run(ctx context.Context, t *turn, sess *session.Session) (*Result, error) {
	msgs := o.buildPrompt(sess, t.req.Message)

	var final string
	for {
		specs := o.registry.Specs()
		if t.calls >= o.cfg.MaxToolCalls {
			specs = nil
		}
		resp, err := o.callModel(ctx, t, msgs, specs)
		if err != nil {
			return nil, err
		}
		msg := resp.Message()
		if msg == nil {
			return nil, apperr.New(apperr.UpstreamPermanent, "provider returned no choices")
		}
		if len(msg.ToolCalls) == 0 || specs == nil {
			final = msg.Content
			break
		}

		msgs = append(msgs, *msg)
		for _, tc := range msg.ToolCalls {
			msgs = append(msgs, o.executeTool(ctx, t, tc))
		}
	}

	if t.req.Streaming && o.hub != nil {
		for i := range t.citations {
			o.hub.Publish(t.sessionID, streaming.Event{
				Type:     streaming.TypeCitation,
				Citation: &t.citations[i],
			})
		}
	}

	if err := o.persist(ctx, t, final); err != nil {
		return nil, err
	}

	if t.req.Streaming && o.hub != nil {
		o.hub.Publish(t.sessionID, streaming.Event{
			Type:     streaming.TypeEnd,
			Response: final,
		})
	}

	return &Result{SessionID: t.sessionID, Response: final, Citations: t.citations}, nil
}

// buildPrompt assembles system prompt, bounded history and the new user
// message.
func (o *Orchestrator) buildPrompt(sess *session.Session, userMsg string) []llm.Message {
	history := o.boundedHistory(sess)
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.SystemMessage(o.cfg.SystemPrompt))
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.UserMessage(userMsg))
	return msgs
}

// boundedHistory returns the newest stored messages that fit both the
// message count and the token budget, oldest first. Tokens are estimated
// at four characters each; the newest message is always kept.
func (o *Orchestrator) boundedHistory(sess *session.Session) []session.Message {
	recent := sess.Recent(o.cfg.HistoryMessages)
	if o.cfg.HistoryTokenBudget <= 0 || len(recent) == 0 {
		return recent
	}
	used := 0
	cut := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		used += estimateTokens(recent[i].Content)
		if used > o.cfg.HistoryTokenBudget && cut < len(recent) {
			break
		}
		cut = i
	}
	return recent[cut:]
}

func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// callModel makes one provider call under its own deadline, streaming
// tokens to the hub when the turn streams, and accounts its usage.
func (o *Orchestrator) callModel(ctx context.Context, t *turn, msgs []llm.Message, specs []llm.Tool) (*llm.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	req := llm.ChatRequest{Messages: msgs, Tools: specs}
	var (
		resp *llm.ChatResponse
		err  error
	)
	if t.req.Streaming && o.hub != nil {
		resp, err = o.llm.Stream(cctx, req, func(token string) {
			o.hub.Publish(t.sessionID, streaming.Event{
				Type:    streaming.TypeToken,
				Content: token,
			})
		})
	} else {
		resp, err = o.llm.Complete(cctx, req)
	}
	if err != nil {
		return nil, err
	}
	o.recordUsage(t, resp.Usage)
	return resp, nil
}

// recordUsage prices one model call and fans the numbers out to metrics,
// the usage sink and the session totals. The provider bills for the call
// whether or not the turn survives, so the session write gets a fresh
// context.
func (o *Orchestrator) recordUsage(t *turn, u *llm.Usage) {
	if u == nil {
		return
	}
	model := o.llm.Model()
	var cost float64
	if o.pricing != nil {
		cost = o.pricing.CostForSplit(model, u.PromptTokens, u.CompletionTokens)
	}
	metrics.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(u.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(u.CompletionTokens))
	metrics.LLMCostUSD.Observe(cost)

	if o.usage != nil {
		o.usage.Record(usage.TokenUsage{
			SessionID:    t.sessionID,
			Model:        model,
			Provider:     o.provider,
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
			CostUSD:      cost,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
	defer cancel()
	if err := o.sessions.AddUsage(ctx, t.sessionID, u.TotalTokens, cost); err != nil {
		o.logger.Warn("Failed to update session usage totals",
			zap.String("session_id", t.sessionID),
			zap.Error(err),
		)
	}
}

// executeTool runs one requested call and renders the outcome as the tool
// message the model sees next. Failures become structured error payloads
// rather than turn failures: the model gets to read them and recover.
func (o *Orchestrator) executeTool(ctx context.Context, t *turn, tc llm.ToolCall) llm.Message {
	name := tc.Function.Name
	start := time.Now()

	payload, status := o.runTool(ctx, t, tc)

	metrics.ToolCalls.WithLabelValues(name, status).Inc()
	o.logger.Debug("Tool call finished",
		zap.String("session_id", t.sessionID),
		zap.String("tool", name),
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(start)),
	)
	return llm.ToolMessage(tc.ID, name, payload)
}

func (o *Orchestrator) runTool(ctx context.Context, t *turn, tc llm.ToolCall) (payload, status string) {
	name := tc.Function.Name
	if t.calls >= o.cfg.MaxToolCalls {
		return toolErrorPayload("budget_exhausted", "tool call budget for this turn is spent; answer with what you have"), "budget_exhausted"
	}
	t.calls++

	tool, ok := o.registry.Get(name)
	if !ok {
		return toolErrorPayload("unknown_tool", "no such tool: "+name), "unknown"
	}

	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if tool.Validate != nil {
		if err := tool.Validate(args); err != nil {
			return toolError(err), "invalid_args"
		}
	}

	if o.policy != nil && o.policy.IsEnabled() {
		dec, err := o.evaluatePolicy(ctx, t, name, args)
		if err != nil {
			return toolError(err), "policy_error"
		}
		if !dec.Allow {
			reason := dec.Reason
			if reason == "" {
				reason = "denied by policy"
			}
			return toolErrorPayload("policy_denied", reason), "denied"
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = o.cfg.ToolTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := tool.Invoke(tctx, args)
	if err != nil {
		return toolError(err), "error"
	}
	if so, ok := out.(*SearchOutput); ok {
		t.harvest(so)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return toolError(apperr.Wrap(apperr.Internal, err, "encode tool result")), "error"
	}
	return string(data), "ok"
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, t *turn, name string, args json.RawMessage) (policy.Decision, error) {
	var argMap map[string]interface{}
	_ = json.Unmarshal(args, &argMap)
	return o.policy.Evaluate(ctx, policy.Input{
		SessionID: t.sessionID,
		UserID:    t.req.UserID,
		Tool:      name,
		Args:      argMap,
	})
}

// harvest collects citations from a search result, first occurrence of
// each chunk wins.
func (t *turn) harvest(out *SearchOutput) {
	for _, hit := range out.Results {
		if _, dup := t.seen[hit.ChunkID]; dup {
			continue
		}
		t.seen[hit.ChunkID] = struct{}{}
		t.citations = append(t.citations, streaming.Citation{
			DocumentID:    hit.DocumentID,
			DocumentTitle: hit.DocumentTitle,
			ChunkID:       hit.ChunkID,
			Score:         hit.Score,
		})
	}
}

// persist appends the exchange to the session. A dead turn context means
// the client gave up or the deadline passed; nothing is written then.
func (o *Orchestrator) persist(ctx context.Context, t *turn, response string) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.Resource, err, "turn deadline exceeded")
		}
		return apperr.Wrap(apperr.Cancelled, err, "turn cancelled")
	}
	return o.sessions.AppendMessages(ctx, t.sessionID,
		session.Message{Role: llm.RoleUser, Content: t.req.Message},
		session.Message{Role: llm.RoleAssistant, Content: response},
	)
}

// toolErrorPayload is the JSON the model reads when a call fails.
func toolErrorPayload(kind, message string) string {
	b, err := json.Marshal(map[string]map[string]string{
		"error": {"kind": kind, "message": message},
	})
	if err != nil {
		return `{"error":{"kind":"internal","message":"unencodable tool error"}}`
	}
	return string(b)
}

func toolError(err error) string {
	return toolErrorPayload(apperr.KindOf(err).String(), err.Error())
}

// publicError is the message put on the event stream. Application errors
// carry an operator-written message; anything else gets a generic one.
func publicError(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "chat turn failed"
}

// failStream pushes a terminal error event to streaming subscribers, so a
// turn that dies before reaching the model loop still closes its stream.
// Without a session ID there is no stream to close.
func (o *Orchestrator) failStream(req Request, err error) error {
	if req.Streaming && o.hub != nil && req.SessionID != "" {
		o.hub.Publish(req.SessionID, streaming.Event{
			Type:  streaming.TypeError,
			Error: publicError(err),
		})
	}
	return err
}

// keyedMutex serializes turns per session without pinning a lock for
// every session ever seen: entries are reference counted and dropped
// when the last waiter leaves.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
