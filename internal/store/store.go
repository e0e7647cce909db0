// Package store is the read-side gateway to the pre-ingested Postgres +
// pgvector corpus. All SQL lives here; callers see typed results and never
// build queries. Every read runs in a read-only transaction and failures are
// surfaced without retry.
//
// Expected schema:
//
//	documents(id uuid PK, title text, source text, author text,
//	          metadata jsonb, created_at timestamptz)
//	chunks(id bigserial PK, document_id uuid REFERENCES documents,
//	       chunk_index int, content text, token_count int,
//	       embedding vector, embedding_provider text,
//	       metadata jsonb, created_at timestamptz)
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// Store manages the corpus connection pool.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	// dims maps an embedding provider tag to the vector width its chunks
	// were ingested with; the guard in VectorSearch consults it before any
	// SQL is issued.
	dims map[string]int
}

// New opens the pool and verifies connectivity. dims declares the vector
// width per embedding provider tag.
func New(cfg config.StoreConfig, dims map[string]int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", ensureSSLMode(cfg.URL))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "open store")
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.UpstreamTransient, err, "store unreachable")
	}

	logger.Info("Corpus store connected",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("idle_connections", cfg.IdleConnections),
	)
	return &Store{db: db, logger: logger, dims: dims}, nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the pool for writers that share it, such as the usage recorder.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close shuts down the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withReadTx runs fn inside a read-only transaction.
func (s *Store) withReadTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// observe records query metrics; op labels the logical operation.
func (s *Store) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StoreQueries.WithLabelValues(op, status).Inc()
	metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// storeErr classifies a database failure. The gateway never retries; callers
// decide whether to degrade.
func storeErr(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Wrap(apperr.NotFound, err, msg)
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.Cancelled, err, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.Resource, err, msg)
	default:
		return apperr.Wrap(apperr.UpstreamTransient, err, "store unavailable: "+msg)
	}
}

// ensureSSLMode appends sslmode=require unless the URL or DSN already states
// a preference. Both postgres:// URLs and key=value DSNs are handled.
func ensureSSLMode(url string) string {
	if strings.Contains(url, "sslmode=") {
		return url
	}
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		return url + sep + "sslmode=require"
	}
	return strings.TrimSpace(url + " sslmode=require")
}

// clampK bounds a result count to [1, 100].
func clampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > 100 {
		return 100
	}
	return k
}
