// Package session keeps conversational state in Redis behind a small
// local cache. One JSON value per session; writes refresh the Redis TTL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// Manager loads and persists sessions. The local cache serves repeat
// turns on the same session without a Redis round-trip; Redis remains
// the source of truth and carries the TTL.
type Manager struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger

	ttl        time.Duration
	maxHistory int
	maxLocal   int

	mu     sync.RWMutex
	local  map[string]*Session
	access map[string]time.Time
}

// NewManager wraps an already-connected Redis client. The manager does
// not own the client; the caller closes it.
func NewManager(rw *circuitbreaker.RedisWrapper, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.LocalCache <= 0 {
		cfg.LocalCache = 1000
	}
	return &Manager{
		redis:      rw,
		logger:     logger,
		ttl:        cfg.TTL,
		maxHistory: cfg.MaxHistory,
		maxLocal:   cfg.LocalCache,
		local:      make(map[string]*Session),
		access:     make(map[string]time.Time),
	}
}

// Create starts a fresh session under a generated ID.
func (m *Manager) Create(ctx context.Context, userID string, metadata map[string]interface{}) (*Session, error) {
	return m.createWithID(ctx, uuid.New().String(), userID, metadata)
}

// GetOrCreate resolves the session for a turn. An empty ID starts a new
// session; an unknown or expired ID is (re)created under that ID; an
// existing session owned by a different user yields a fresh session
// instead of exposing someone else's history.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error) {
	if sessionID == "" {
		return m.Create(ctx, userID, nil)
	}

	s, err := m.Get(ctx, sessionID)
	switch {
	case err == nil:
		if userID != "" && s.UserID != "" && s.UserID != userID {
			m.logger.Warn("Session owned by another user, issuing a fresh one",
				zap.String("requested_session_id", sessionID),
			)
			return m.Create(ctx, userID, nil)
		}
		return s, nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		return m.createWithID(ctx, sessionID, userID, nil)
	default:
		return nil, err
	}
}

// Get retrieves a session, consulting the local cache first.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.local[sessionID]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if s.IsExpired() {
			_ = m.Delete(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.access[sessionID] = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, err, "load session")
	}

	var loaded Session
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode session")
	}
	if loaded.IsExpired() {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.cachePut(&loaded)
	return &loaded, nil
}

// AppendMessages appends a turn's messages in order, filling in IDs and
// timestamps, and persists the session once. History beyond the
// configured cap is trimmed oldest-first.
func (m *Manager) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	// Message times never go backwards within a session.
	if n := len(s.Messages); n > 0 && s.Messages[n-1].CreatedAt.After(now) {
		now = s.Messages[n-1].CreatedAt
	}

	next := *s
	next.Messages = make([]Message, len(s.Messages), len(s.Messages)+len(msgs))
	copy(next.Messages, s.Messages)
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		msg.SessionID = sessionID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		next.Messages = append(next.Messages, msg)
	}
	if len(next.Messages) > m.maxHistory {
		next.Messages = next.Messages[len(next.Messages)-m.maxHistory:]
	}
	next.UpdatedAt = time.Now().UTC()

	return m.save(ctx, &next)
}

// AddUsage folds one model call's tokens and cost into the session
// totals.
func (m *Manager) AddUsage(ctx context.Context, sessionID string, tokens int, costUSD float64) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	next := *s
	next.TotalTokens += tokens
	next.TotalCostUSD += costUSD
	next.UpdatedAt = time.Now().UTC()
	return m.save(ctx, &next)
}

// Delete removes a session from Redis and the local cache.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.redis.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return apperr.Wrap(apperr.UpstreamTransient, err, "delete session")
	}
	m.mu.Lock()
	delete(m.local, sessionID)
	delete(m.access, sessionID)
	m.mu.Unlock()
	m.logger.Debug("Session deleted", zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) createWithID(ctx context.Context, id, userID string, metadata map[string]interface{}) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        id,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Messages:  []Message{},
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("user_id", userID),
	)
	return s, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode session")
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	if err := m.redis.Set(ctx, sessionKey(s.ID), data, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.UpstreamTransient, err, "save session")
	}

	m.cachePut(s)
	return nil
}

func (m *Manager) cachePut(s *Session) {
	m.mu.Lock()
	m.local[s.ID] = s
	m.access[s.ID] = time.Now()
	m.evictLocked()
	m.mu.Unlock()
}

// evictLocked purges the least recently used half of the local cache
// once it overflows, amortizing the sort. Caller holds mu.
func (m *Manager) evictLocked() {
	if len(m.local) <= m.maxLocal {
		return
	}

	type entry struct {
		id   string
		seen time.Time
	}
	entries := make([]entry, 0, len(m.local))
	for id := range m.local {
		entries = append(entries, entry{id: id, seen: m.access[id]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })

	keep := m.maxLocal / 2
	if keep < 1 {
		keep = 1
	}
	for _, e := range entries[:len(entries)-keep] {
		delete(m.local, e.id)
		delete(m.access, e.id)
		metrics.SessionCacheEvictions.Inc()
	}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}
