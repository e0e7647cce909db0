package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
)

func newTestManager(t *testing.T, cfg config.SessionConfig) (*Manager, *circuitbreaker.RedisWrapper) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper("session-test", client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = rw.Close() })

	return NewManager(rw, cfg, zaptest.NewLogger(t)), rw
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	m, rw := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "u-1", map[string]interface{}{"topic": "whales"})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, "whales", got.Metadata["topic"])

	// A cold manager on the same Redis sees the persisted form.
	cold := NewManager(rw, config.SessionConfig{}, zaptest.NewLogger(t))
	got, err = cold.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Empty(t, got.Messages)
}

func TestGetUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{})

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetOrCreate(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	t.Run("empty id starts fresh", func(t *testing.T) {
		s, err := m.GetOrCreate(ctx, "", "u-1")
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
	})

	t.Run("existing id returns same session", func(t *testing.T) {
		s, err := m.GetOrCreate(ctx, "", "u-1")
		require.NoError(t, err)
		again, err := m.GetOrCreate(ctx, s.ID, "u-1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, again.ID)
	})

	t.Run("unknown id is created under that id", func(t *testing.T) {
		s, err := m.GetOrCreate(ctx, "client-chosen", "u-1")
		require.NoError(t, err)
		assert.Equal(t, "client-chosen", s.ID)
	})

	t.Run("foreign session yields a fresh one", func(t *testing.T) {
		theirs, err := m.GetOrCreate(ctx, "", "u-2")
		require.NoError(t, err)
		mine, err := m.GetOrCreate(ctx, theirs.ID, "u-3")
		require.NoError(t, err)
		assert.NotEqual(t, theirs.ID, mine.ID)
		assert.Equal(t, "u-3", mine.UserID)
	})
}

func TestAppendMessagesPersistsInOrder(t *testing.T) {
	m, rw := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "u-1", nil)
	require.NoError(t, err)

	err = m.AppendMessages(ctx, s.ID,
		Message{Role: "user", Content: "Who is Queequeg?"},
		Message{Role: "assistant", Content: "Queequeg is a harpooner."},
	)
	require.NoError(t, err)

	// Read through a cold cache so the assertion covers the Redis form.
	cold := NewManager(rw, config.SessionConfig{}, zaptest.NewLogger(t))
	got, err := cold.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)

	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	for _, msg := range got.Messages {
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, s.ID, msg.SessionID)
		assert.False(t, msg.CreatedAt.IsZero())
	}
	assert.False(t, got.Messages[1].CreatedAt.Before(got.Messages[0].CreatedAt))
}

func TestAppendMessagesCapsHistory(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{MaxHistory: 3})
	ctx := context.Background()

	s, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, m.AppendMessages(ctx, s.ID, Message{Role: "user", Content: content}))
	}

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "three", got.Messages[0].Content)
	assert.Equal(t, "five", got.Messages[2].Content)
}

func TestAddUsageAccumulates(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.AddUsage(ctx, s.ID, 120, 0.0005))
	require.NoError(t, m.AddUsage(ctx, s.ID, 80, 0.0003))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, got.TotalTokens)
	assert.InDelta(t, 0.0008, got.TotalCostUSD, 1e-9)
}

func TestExpiredSessionIsRecreated(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{TTL: 50 * time.Millisecond})
	ctx := context.Background()

	s, err := m.Create(ctx, "u-1", nil)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	_, err = m.Get(ctx, s.ID)
	if !errors.Is(err, ErrSessionExpired) && !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired or not found, got %v", err)
	}

	fresh, err := m.GetOrCreate(ctx, s.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, fresh.ID)
	assert.Empty(t, fresh.Messages)
}

func TestLocalCacheEviction(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{LocalCache: 2})
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		s, err := m.Create(ctx, "", nil)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		time.Sleep(time.Millisecond)
	}

	m.mu.RLock()
	cached := len(m.local)
	m.mu.RUnlock()
	assert.LessOrEqual(t, cached, 2)

	// Evicted sessions are still served from Redis.
	for _, id := range ids {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
	}
}

func TestDeleteSession(t *testing.T) {
	m, _ := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, s.ID))

	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
