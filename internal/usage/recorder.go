// Package usage persists per-call token accounting to the token_usage
// table. Writes go through a buffered queue flushed in batches by a
// background goroutine; when the queue is full the row is written
// synchronously so records are never dropped.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/metrics"
)

const (
	queueSize      = 256
	flushBatchSize = 64
	flushInterval  = 1 * time.Second
	flushTimeout   = 5 * time.Second
	drainTimeout   = 10 * time.Second
)

// TokenUsage is one model call's accounting row.
type TokenUsage struct {
	ID           uuid.UUID `db:"id"`
	SessionID    string    `db:"session_id"`
	Model        string    `db:"model"`
	Provider     string    `db:"provider"`
	InputTokens  int       `db:"input_tokens"`
	OutputTokens int       `db:"output_tokens"`
	TotalTokens  int       `db:"total_tokens"`
	CostUSD      float64   `db:"cost_usd"`
	CreatedAt    time.Time `db:"created_at"`
}

const insertUsageSQL = `
	INSERT INTO token_usage (
		id, session_id, model, provider,
		input_tokens, output_tokens, total_tokens, cost_usd, created_at
	) VALUES (
		:id, :session_id, :model, :provider,
		:input_tokens, :output_tokens, :total_tokens, :cost_usd, :created_at
	)`

// Recorder owns the write queue. It shares the corpus pool rather than
// opening a second one.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan TokenUsage
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder starts the background flusher.
func NewRecorder(db *sqlx.DB, logger *zap.Logger) *Recorder {
	return newRecorder(db, logger, queueSize)
}

func newRecorder(db *sqlx.DB, logger *zap.Logger, size int) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		db:     db,
		logger: logger,
		queue:  make(chan TokenUsage, size),
		stopCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Record queues a usage row for asynchronous persistence, filling in ID,
// CreatedAt, and TotalTokens when unset. A full queue falls back to a
// synchronous write instead of dropping the row.
func (r *Recorder) Record(u TokenUsage) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}

	select {
	case r.queue <- u:
	default:
		r.logger.Warn("Usage queue full, writing synchronously",
			zap.String("session_id", u.SessionID),
			zap.String("model", u.Model),
		)
		r.flush([]TokenUsage{u})
	}
}

// Close drains queued rows and stops the flusher.
func (r *Recorder) Close() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	batch := make([]TokenUsage, 0, flushBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.drain(batch)
			return

		case u := <-r.queue:
			batch = append(batch, u)
			if len(batch) >= flushBatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain empties the queue during shutdown, bounded by drainTimeout.
func (r *Recorder) drain(batch []TokenUsage) {
	timeout := time.After(drainTimeout)
	for {
		select {
		case u := <-r.queue:
			batch = append(batch, u)
			if len(batch) >= flushBatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-timeout:
			r.logger.Warn("Timeout draining usage queue",
				zap.Int("pending", len(r.queue)),
			)
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		default:
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *Recorder) flush(batch []TokenUsage) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if _, err := r.db.NamedExecContext(ctx, insertUsageSQL, batch); err != nil {
		metrics.UsageRecordsWritten.WithLabelValues("error").Add(float64(len(batch)))
		r.logger.Error("Failed to flush usage records",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
		return
	}
	metrics.UsageRecordsWritten.WithLabelValues("ok").Add(float64(len(batch)))
	r.logger.Debug("Usage records flushed", zap.Int("count", len(batch)))
}
