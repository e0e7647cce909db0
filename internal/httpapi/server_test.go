package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/lectern/internal/agent"
	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/health"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/store"
	"github.com/Kocoro-lab/lectern/internal/streaming"
)

var docWhale = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

type fakeChat struct {
	mu       sync.Mutex
	requests []agent.Request
	resolve  func(sessionID, userID string) (string, error)
	run      func(req agent.Request) (*agent.Result, error)
}

func (f *fakeChat) ResolveSession(ctx context.Context, sessionID, userID string) (string, error) {
	if f.resolve != nil {
		return f.resolve(sessionID, userID)
	}
	if sessionID == "" {
		return "sess-fixed", nil
	}
	return sessionID, nil
}

func (f *fakeChat) Chat(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(req)
	}
	return &agent.Result{
		SessionID: req.SessionID,
		Response:  "The whale is white.",
		Citations: []streaming.Citation{
			{DocumentID: docWhale.String(), DocumentTitle: "Moby-Dick", ChunkID: 11, Score: 0.91},
		},
	}, nil
}

func (f *fakeChat) calls() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.requests...)
}

type searchCall struct {
	query   string
	mode    retrieval.Mode
	k       int
	filters *store.Filters
}

type fakeSearch struct {
	mu      sync.Mutex
	calls   []searchCall
	results []store.SearchResult
	err     error
}

func (f *fakeSearch) RetrieveFiltered(ctx context.Context, query string, mode retrieval.Mode, k int, filters *store.Filters) ([]store.SearchResult, retrieval.Debug, error) {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{query: query, mode: mode, k: k, filters: filters})
	f.mu.Unlock()
	if f.err != nil {
		return nil, retrieval.Debug{}, f.err
	}
	return f.results, retrieval.Debug{CacheHit: true}, nil
}

func (f *fakeSearch) lastCall(t *testing.T) searchCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeDocs struct {
	mu         sync.Mutex
	docs       map[uuid.UUID]store.Document
	lastLimit  int
	lastOffset int
}

func (f *fakeDocs) GetDocument(ctx context.Context, id uuid.UUID) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		return d, nil
	}
	return store.Document{}, apperr.New(apperr.NotFound, "document %s not found", id)
}

func (f *fakeDocs) ListDocuments(ctx context.Context, limit, offset int) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	out := make([]store.Document, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func sampleSearchResults() []store.SearchResult {
	return []store.SearchResult{
		{ChunkID: 11, DocumentID: docWhale, ChunkIndex: 0, Content: "Call me Ishmael.", Title: "Moby-Dick", Score: 0.91},
		{ChunkID: 12, DocumentID: docWhale, ChunkIndex: 4, Content: "It was the whiteness of the whale.", Title: "Moby-Dick", Score: 0.77},
	}
}

type serverFixture struct {
	srv      *Server
	ts       *httptest.Server
	chat     *fakeChat
	search   *fakeSearch
	docs     *fakeDocs
	hub      *streaming.Hub
	sessions *session.Manager
	mr       *miniredis.Miniredis
}

// newTestServer assembles a server over miniredis-backed sessions with
// fakes behind the service interfaces. mutate adjusts deps and config
// before assembly.
func newTestServer(t *testing.T, mutate func(*Deps, *config.ServiceConfig, *config.RateLimitConfig)) *serverFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper("httpapi-test", client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = rw.Close() })
	sessions := session.NewManager(rw, config.SessionConfig{}, zaptest.NewLogger(t))

	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := streaming.NewHub(16, zaptest.NewLogger(t))
	hm := health.NewManager(zaptest.NewLogger(t))
	require.NoError(t, hm.Register(health.NewFuncChecker("store", true, time.Second, func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy, Message: "ok"}
	})))

	chat := &fakeChat{}
	search := &fakeSearch{results: sampleSearchResults()}
	docs := &fakeDocs{docs: map[uuid.UUID]store.Document{
		docWhale: {ID: docWhale, Title: "Moby-Dick", Author: "Herman Melville", ChunkCount: 2, CreatedAt: time.Now().UTC()},
	}}

	deps := Deps{
		Sessions: sessions,
		Chat:     chat,
		Search:   search,
		Docs:     docs,
		Hub:      hub,
		Health:   hm,
		Redis:    rdb,
	}
	cfg := config.ServiceConfig{
		Port:            0,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     300 * time.Second,
		MaxRequestBytes: 1 << 20,
	}
	rl := config.RateLimitConfig{}
	if mutate != nil {
		mutate(&deps, &cfg, &rl)
	}

	srv := New(deps, cfg, rl, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{
		srv:      srv,
		ts:       ts,
		chat:     chat,
		search:   search,
		docs:     docs,
		hub:      hub,
		sessions: sessions,
		mr:       mr,
	}
}

func (fx *serverFixture) get(t *testing.T, path string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fx.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (fx *serverFixture) post(t *testing.T, path string, body interface{}, hdr map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, fx.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dst), "body: %s", data)
}
