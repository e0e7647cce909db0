// Package httpapi is the service's HTTP surface: JSON endpoints for
// sessions, chat, search and documents, an SSE stream with a WebSocket
// mirror, health probes and Prometheus metrics, behind a middleware chain
// of request-ID, logging, CORS, optional bearer auth, per-client rate
// limiting and a request body cap.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/agent"
	"github.com/Kocoro-lab/lectern/internal/auth"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/health"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/store"
	"github.com/Kocoro-lab/lectern/internal/streaming"
)

// ChatService runs conversational turns. The agent orchestrator
// implements it.
type ChatService interface {
	ResolveSession(ctx context.Context, sessionID, userID string) (string, error)
	Chat(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// SearchService runs one-shot retrievals. The retrieval pipeline
// implements it.
type SearchService interface {
	RetrieveFiltered(ctx context.Context, query string, mode retrieval.Mode, k int, filters *store.Filters) ([]store.SearchResult, retrieval.Debug, error)
}

// DocumentReader serves corpus document reads. The store implements it.
type DocumentReader interface {
	GetDocument(ctx context.Context, id uuid.UUID) (store.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]store.Document, error)
}

// Deps carries the server's collaborators. Redis is the distributed
// rate-limit window store; nil degrades the limiter to local buckets.
type Deps struct {
	Verifier *auth.Verifier
	Sessions *session.Manager
	Chat     ChatService
	Search   SearchService
	Docs     DocumentReader
	Hub      *streaming.Hub
	Health   *health.Manager
	Redis    *redis.Client
}

// Server is the assembled HTTP surface.
type Server struct {
	cfg      config.ServiceConfig
	verifier *auth.Verifier
	limiter  *rateLimiter
	sessions *session.Manager
	chat     ChatService
	search   SearchService
	docs     DocumentReader
	hub      *streaming.Hub
	health   *health.Manager
	logger   *zap.Logger

	handler http.Handler
	http    *http.Server
}

func New(deps Deps, cfg config.ServiceConfig, rl config.RateLimitConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		chat:     deps.Chat,
		search:   deps.Search,
		docs:     deps.Docs,
		hub:      deps.Hub,
		health:   deps.Health,
		logger:   logger,
	}
	if rl.RPM > 0 {
		s.limiter = newRateLimiter(rl.RPM, deps.Redis, logger)
	}
	s.handler = s.routes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // SSE and WebSocket streams outlive any fixed write deadline
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the fully assembled handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /sessions", s.handleCreateSession)
	s.handle(mux, "GET /sessions/{id}", s.handleGetSession)
	s.handle(mux, "DELETE /sessions/{id}", s.handleDeleteSession)
	s.handle(mux, "POST /chat", s.handleChat)
	s.handle(mux, "POST /chat/stream", s.handleChatStream)
	s.handle(mux, "GET /chat/ws", s.handleWS)
	s.handle(mux, "POST /search/{mode}", s.handleSearch)
	s.handle(mux, "GET /documents", s.handleListDocuments)
	s.handle(mux, "GET /documents/{id}", s.handleGetDocument)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Outermost first: request-ID, logging, CORS, auth, rate limit,
	// body cap.
	var h http.Handler = mux
	h = s.bodyLimit(h)
	h = s.rateLimit(h)
	h = s.authenticate(h)
	h = s.cors(h)
	h = s.logRequests(h)
	h = s.withRequestID(h)
	return h
}

// handle registers a handler under /api/v1 and under its bare-path alias.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		panic("httpapi: route pattern must be \"METHOD /path\": " + pattern)
	}
	mux.HandleFunc(method+" /api/v1"+path, h)
	mux.HandleFunc(method+" "+path, h)
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.Int("port", s.cfg.Port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
