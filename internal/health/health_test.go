package health

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
)

func healthyChecker(name string, critical bool) Checker {
	return NewFuncChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "ok"}
	})
}

func failingChecker(name string, critical bool) Checker {
	return NewFuncChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "connection refused"}
	})
}

func TestCompositeAllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(healthyChecker("store", true)))
	require.NoError(t, m.Register(healthyChecker("redis", false)))

	d := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
	assert.True(t, d.Overall.Live)
	assert.Equal(t, Summary{Total: 2, Healthy: 2}, d.Summary)
}

func TestCriticalFailureMakesUnready(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(failingChecker("store", true)))
	require.NoError(t, m.Register(healthyChecker("redis", false)))

	d := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, d.Overall.Status)
	assert.False(t, d.Overall.Ready)
	assert.True(t, d.Overall.Live, "still alive, just not ready")
	assert.False(t, m.IsReady(context.Background()))
	assert.True(t, m.IsLive(context.Background()))
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(healthyChecker("store", true)))
	require.NoError(t, m.Register(failingChecker("graph", false)))

	d := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
}

func TestDegradedComponentDegradesComposite(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(healthyChecker("store", true)))
	require.NoError(t, m.Register(NewFuncChecker("redis", false, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "slow"}
	})))

	d := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
}

func TestNoCheckersIsUnknown(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	d := m.Check(context.Background())
	assert.Equal(t, StatusUnknown, d.Overall.Status)
	assert.False(t, d.Overall.Ready)
	assert.False(t, d.Overall.Live)
}

func TestDuplicateCheckerRejected(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(healthyChecker("store", true)))
	require.Error(t, m.Register(healthyChecker("store", true)))
	require.Error(t, m.Register(healthyChecker("", true)))
}

func TestResultsAreStampedAndRetained(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(healthyChecker("store", true)))

	d := m.Check(context.Background())
	result := d.Components["store"]
	assert.Equal(t, "store", result.Component)
	assert.True(t, result.Critical)
	assert.False(t, result.Timestamp.IsZero())

	last := m.LastResults()
	require.Contains(t, last, "store")
	assert.Equal(t, StatusHealthy, last["store"].Status)
}

func TestCheckerTimeoutIsEnforced(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Register(NewFuncChecker("slow", true, 30*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})))

	start := time.Now()
	d := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, d.Components["slow"].Status)
}

func TestBackgroundLoopRefreshesResults(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.interval = 20 * time.Millisecond
	require.NoError(t, m.Register(healthyChecker("store", true)))

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.LastResults()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background loop never produced results")
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestStoreChecker(t *testing.T) {
	c := NewStoreChecker(&fakePinger{})
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	c = NewStoreChecker(&fakePinger{err: errors.New("connection refused")})
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "connection refused")
}

func TestRedisChecker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper("health-test", client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = rw.Close() })

	c := NewRedisChecker(rw)
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	state circuitbreaker.State
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}
func (f *fakeEmbedder) BreakerState() circuitbreaker.State { return f.state }

func TestEmbedderChecker(t *testing.T) {
	c := NewEmbedderChecker(&fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}})
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 3, result.Details["dimension"])

	c = NewEmbedderChecker(&fakeEmbedder{err: errors.New("502")})
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)

	c = NewEmbedderChecker(&fakeEmbedder{state: circuitbreaker.StateOpen})
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "circuit breaker")
}

type fakeChatProvider struct {
	err   error
	state circuitbreaker.State
}

func (f *fakeChatProvider) Ping(ctx context.Context) error     { return f.err }
func (f *fakeChatProvider) Model() string                      { return "test-model" }
func (f *fakeChatProvider) BreakerState() circuitbreaker.State { return f.state }

func TestLLMChecker(t *testing.T) {
	c := NewLLMChecker(&fakeChatProvider{})
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "test-model", result.Details["model"])
	assert.False(t, c.IsCritical(), "search keeps working without the chat provider")

	c = NewLLMChecker(&fakeChatProvider{err: errors.New("timeout")})
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestGraphChecker(t *testing.T) {
	c := NewGraphChecker(&fakePinger{})
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	c = NewGraphChecker(&fakePinger{err: errors.New("down")})
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}
