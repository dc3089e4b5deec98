// Package store is the TimescaleDB persistence layer. Candles, indicators
// and features are hypertable rows keyed by time; alerts and symbols are
// plain relational tables. All writes are idempotent upserts except
// ml_features and data_quality_metrics, which are append-only.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned on unique constraint violations.
	ErrDuplicate = errors.New("duplicate record")
)

// Options holds database connection configuration.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// Manager owns the connection pool and exposes the table operations.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration
	mr      *metrics.Registry
}

// New opens the pool and verifies connectivity.
func New(opts Options, mr *metrics.Registry) (*Manager, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Int("max_open_conns", opts.MaxOpenConns).
		Msg("Connected to database")

	return NewWithDB(db, opts.QueryTimeout, mr), nil
}

// NewWithDB wraps an existing connection. Tests inject a sqlmock-backed
// sqlx.DB here.
func NewWithDB(db *sqlx.DB, timeout time.Duration, mr *metrics.Registry) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{db: db, timeout: timeout, mr: mr}
}

// Ping tests basic connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// DB returns the underlying pool for migrations.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close closes the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

// observe records query counters and duration for one operation.
func (m *Manager) observe(operation, table string, start time.Time, err error) {
	m.mr.DBQueries.WithLabelValues(operation, table).Inc()
	m.mr.DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil {
		m.mr.DBErrors.WithLabelValues(operation, errorType(err)).Inc()
	}
}

func errorType(err error) string {
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		return pqErr.Code.Name()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// isUniqueViolation reports whether err is a PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
