package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/lectern/internal/auth"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyPrincipal
)

// RequestID returns the request's correlation ID, or "" outside a request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// PrincipalFrom returns the authenticated caller, or nil when auth is
// disabled or the route is exempt.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*auth.Principal)
	return p
}

// exemptPath marks routes that must stay reachable without credentials or
// budgets: probes and scrapers hit them on a schedule.
func exemptPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics"
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for logging and metrics while
// passing Flush and Hijack through, so SSE streams and WebSocket upgrades
// keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeLabel(r.URL.Path)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		s.logger.Info("request",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// routeLabel collapses request paths onto the registered route set so
// scanners probing random URLs cannot mint new metric label values.
func routeLabel(path string) string {
	p := strings.TrimPrefix(path, "/api/v1")
	switch p {
	case "/sessions", "/chat", "/chat/stream", "/chat/ws", "/documents",
		"/health", "/health/live", "/health/ready", "/metrics":
		return p
	}
	switch {
	case strings.HasPrefix(p, "/sessions/"):
		return "/sessions/{id}"
	case strings.HasPrefix(p, "/search/"):
		return "/search/{mode}"
	case strings.HasPrefix(p, "/documents/"):
		return "/documents/{id}"
	}
	return "other"
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowAll := len(s.cfg.CORSOrigins) == 0
	allowed := make(map[string]struct{}, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}
	const allowHeaders = "Content-Type, Authorization, X-API-Key, X-Request-ID, Cache-Control, Last-Event-ID"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.verifier == nil || !s.verifier.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			s.unauthorized(w, "credentials required")
			return
		}
		principal, err := s.verifier.Authenticate(token)
		if err != nil {
			s.logger.Debug("authentication failed",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			s.unauthorized(w, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken pulls the credential from the Authorization header, the
// X-API-Key header, or the api_key query parameter. The query form exists
// for EventSource clients, which cannot set headers.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, err := auth.ExtractBearerToken(h); err == nil {
			return tok
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="lectern"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg, Kind: "auth"})
}

const maxLocalBuckets = 4096

// rateLimiter enforces a per-client fixed window in Redis so limits hold
// across replicas, and falls back to in-process token buckets when Redis is
// unreachable. Both paths fail open: a broken limiter never takes the API
// down, it only stops limiting.
type rateLimiter struct {
	rpm    int
	redis  *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func newRateLimiter(rpm int, rdb *redis.Client, logger *zap.Logger) *rateLimiter {
	return &rateLimiter{
		rpm:    rpm,
		redis:  rdb,
		logger: logger,
		local:  make(map[string]*rate.Limiter),
	}
}

// allow reports whether the client may proceed. remaining is -1 when the
// local fallback handled the call, which cannot count the window.
func (rl *rateLimiter) allow(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	window := time.Now().Truncate(time.Minute)
	resetAt = window.Add(time.Minute)

	if rl.redis == nil {
		return rl.allowLocal(key), -1, resetAt
	}

	windowKey := fmt.Sprintf("lectern:ratelimit:%s:%d", key, window.Unix())
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn("rate limit window unavailable, using local fallback", zap.Error(err))
		return rl.allowLocal(key), -1, resetAt
	}

	count := incr.Val()
	remaining = rl.rpm - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.rpm), remaining, resetAt
}

func (rl *rateLimiter) allowLocal(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.local[key]
	if !ok {
		if len(rl.local) >= maxLocalBuckets {
			rl.local = make(map[string]*rate.Limiter)
		}
		burst := rl.rpm / 6
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60), burst)
		rl.local[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil || s.limiter.rpm <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		allowed, remaining, resetAt := s.limiter.allow(r.Context(), key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.rpm))
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			metrics.RateLimitRejections.Inc()
			s.logger.Warn("rate limit exceeded",
				zap.String("client", key),
				zap.String("path", r.URL.Path))
			retry := int(time.Until(resetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "too many requests, retry after the window resets",
				Kind:  "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey prefers the authenticated principal so a keyed client shares
// one budget across addresses; anonymous clients fall back to their IP.
func clientKey(r *http.Request) string {
	if p := PrincipalFrom(r.Context()); p != nil {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) bodyLimit(next http.Handler) http.Handler {
	maxBytes := s.cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
