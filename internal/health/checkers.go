package health

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
)

// Probe latency above this threshold marks a responding dependency
// degraded rather than healthy.
const slowProbe = 100 * time.Millisecond

const defaultProbeTimeout = 5 * time.Second

// Pinger is any dependency that answers a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is implemented by stores that expose their connection pool.
type PoolStats interface {
	DB() *sqlx.DB
}

// Breakered is implemented by clients guarded by a circuit breaker.
type Breakered interface {
	BreakerState() circuitbreaker.State
}

// StoreChecker probes the corpus store. Critical: without Postgres there
// is nothing to search.
type StoreChecker struct {
	store Pinger
}

func NewStoreChecker(s Pinger) *StoreChecker {
	return &StoreChecker{store: s}
}

func (c *StoreChecker) Name() string           { return "store" }
func (c *StoreChecker) IsCritical() bool       { return true }
func (c *StoreChecker) Timeout() time.Duration { return defaultProbeTimeout }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Details: map[string]interface{}{}}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "store ping failed"
		return result
	}

	elapsed := time.Since(start)
	result.Details["latency_ms"] = elapsed.Milliseconds()

	if p, ok := c.store.(PoolStats); ok && p.DB() != nil {
		stats := p.DB().Stats()
		result.Details["open_connections"] = stats.OpenConnections
		result.Details["in_use_connections"] = stats.InUse
		result.Details["idle_connections"] = stats.Idle
		if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
			result.Status = StatusDegraded
			result.Message = "connection pool exhausted"
			return result
		}
	}

	if elapsed > slowProbe {
		result.Status = StatusDegraded
		result.Message = "store responding slowly"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "store healthy"
	return result
}

// RedisChecker probes the session/rate-limit Redis through its breaker
// wrapper. Non-critical: chat sessions need it, plain search does not.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

func NewRedisChecker(rw *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: rw}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return false }
func (c *RedisChecker) Timeout() time.Duration { return defaultProbeTimeout }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Details: map[string]interface{}{}}

	if c.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "redis circuit breaker is open"
		return result
	}
	if err := c.wrapper.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		return result
	}

	elapsed := time.Since(start)
	result.Details["latency_ms"] = elapsed.Milliseconds()
	if elapsed > slowProbe {
		result.Status = StatusDegraded
		result.Message = "redis responding slowly"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "redis healthy"
	return result
}

// Embedder is the slice of the embedding client the checker probes.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Breakered
}

// EmbedderChecker runs a one-text embedding through the real provider
// path. Critical: readiness means queries can be embedded.
type EmbedderChecker struct {
	client Embedder
}

func NewEmbedderChecker(e Embedder) *EmbedderChecker {
	return &EmbedderChecker{client: e}
}

func (c *EmbedderChecker) Name() string           { return "embedder" }
func (c *EmbedderChecker) IsCritical() bool       { return true }
func (c *EmbedderChecker) Timeout() time.Duration { return 10 * time.Second }

func (c *EmbedderChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: map[string]interface{}{}}

	if state := c.client.BreakerState(); state == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "embedding provider circuit breaker is open"
		return result
	}

	start := time.Now()
	vec, err := c.client.EmbedOne(ctx, "health probe")
	elapsed := time.Since(start)
	result.Details["latency_ms"] = elapsed.Milliseconds()

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "embedding probe failed"
		return result
	}
	result.Details["dimension"] = len(vec)
	result.Status = StatusHealthy
	result.Message = "embedder healthy"
	return result
}

// ChatProvider is the slice of the LLM client the checker probes.
type ChatProvider interface {
	Ping(ctx context.Context) error
	Model() string
	Breakered
}

// LLMChecker probes the answering model's provider. Non-critical: search
// endpoints keep working when chat cannot.
type LLMChecker struct {
	client ChatProvider
}

func NewLLMChecker(c ChatProvider) *LLMChecker {
	return &LLMChecker{client: c}
}

func (c *LLMChecker) Name() string           { return "llm" }
func (c *LLMChecker) IsCritical() bool       { return false }
func (c *LLMChecker) Timeout() time.Duration { return defaultProbeTimeout }

func (c *LLMChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: map[string]interface{}{
		"model": c.client.Model(),
	}}

	if state := c.client.BreakerState(); state == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "chat provider circuit breaker is open"
		return result
	}

	start := time.Now()
	err := c.client.Ping(ctx)
	result.Details["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "chat provider unreachable"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "chat provider healthy"
	return result
}

// GraphChecker probes the optional entity-graph service. Register it
// only when the graph is configured.
type GraphChecker struct {
	client Pinger
}

func NewGraphChecker(g Pinger) *GraphChecker {
	return &GraphChecker{client: g}
}

func (c *GraphChecker) Name() string           { return "graph" }
func (c *GraphChecker) IsCritical() bool       { return false }
func (c *GraphChecker) Timeout() time.Duration { return defaultProbeTimeout }

func (c *GraphChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Details: map[string]interface{}{}}

	if err := c.client.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "graph service unreachable"
		return result
	}
	result.Details["latency_ms"] = time.Since(start).Milliseconds()
	result.Status = StatusHealthy
	result.Message = "graph service healthy"
	return result
}

// FuncChecker wraps a bare function as a checker, for one-off probes.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *FuncChecker) Name() string                          { return c.name }
func (c *FuncChecker) IsCritical() bool                      { return c.critical }
func (c *FuncChecker) Timeout() time.Duration                { return c.timeout }
func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
