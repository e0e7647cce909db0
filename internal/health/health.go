// Package health aggregates per-dependency checkers into the composite
// status the probe endpoints report. A failing critical dependency makes
// the service unready; non-critical failures only degrade it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus classifies one check or the composite.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its name; probe consumers read
// strings, not iota values.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the outcome of one checker run.
type CheckResult struct {
	Component string                 `json:"component"`
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency. Check must honor ctx; the manager caps
// each run at Timeout.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// Overall is the composite verdict.
type Overall struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Ready   bool        `json:"ready"`
	Live    bool        `json:"live"`
}

// Detailed is the full probe payload.
type Detailed struct {
	Overall    Overall                `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    Summary                `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Summary counts checkers by outcome.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

const defaultCheckInterval = 30 * time.Second

// Manager runs registered checkers on demand and on a background
// interval, keeping the latest results for cheap probe reads.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	stopCh      chan struct{}
	started     bool
	logger      *zap.Logger
}

// NewManager builds an empty manager with the default check interval.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    defaultCheckInterval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// Register adds a checker. Names are unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Start launches the background check loop. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop()
	m.logger.Info("Health manager started",
		zap.Duration("interval", m.interval),
		zap.Int("checkers", len(m.checkers)),
	)
}

// Stop halts the background loop. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Check(ctx)
			cancel()
		}
	}
}

// Check runs every checker now and returns the full picture. Results are
// retained for LastResults.
func (m *Manager) Check(ctx context.Context) Detailed {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	summary := Summary{Total: len(checkers)}
	for _, c := range checkers {
		result := m.runOne(ctx, c)
		components[c.Name()] = result
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return Detailed{
		Overall:    compositeStatus(components),
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now().UTC(),
	}
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := c.Check(cctx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start.UTC()
	return result
}

func compositeStatus(components map[string]CheckResult) Overall {
	if len(components) == 0 {
		return Overall{
			Status:  StatusUnknown,
			Message: "no health checks registered",
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0
	for _, result := range components {
		switch result.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		return Overall{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Ready:   false,
			Live:    true,
		}
	case degraded > 0:
		return Overall{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d component(s) degraded", degraded),
			Ready:   true,
			Live:    true,
		}
	case nonCriticalFailures > 0:
		return Overall{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Ready:   true,
			Live:    true,
		}
	default:
		return Overall{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d components healthy", len(components)),
			Ready:   true,
			Live:    true,
		}
	}
}

// IsReady reports whether every critical dependency is serving.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Check(ctx).Overall.Ready
}

// IsLive reports process liveness; true once any checker is registered.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Check(ctx).Overall.Live
}

// LastResults returns the most recent results without running checks.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		out[name] = result
	}
	return out
}
