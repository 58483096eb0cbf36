// Package postgres is the transactional pgx/v5 event store backend,
// grounded on marmos91-dittofs's pkg/metadata/store/postgres (connection
// pooling, acquire-timeout wrapping, retryable-error transaction
// handling), re-targeted at the honeypot's session/event schema
// described in spec.md §4.7 and original_source's
// honeylogger/_postgres.py.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Config configures the pool used by the Store.
type Config struct {
	Hostname      string
	Database      string
	Username      string
	Password      string
	MinConns      int32
	MaxConns      int32
	AcquireRetries int
	AcquireDeadline time.Duration
}

// acquireTimeout bounds a single pool.Acquire/Begin call, matching
// dittofs's poolConnectionAcquireTimeout pattern.
const acquireTimeout = 10 * time.Second

// Store is the Store implementation backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
	log  xlog.Logger
	cfg  Config
}

// Open connects to Postgres, retrying pool creation with exponential
// backoff (spec §4.7: "up to M retries... bounded by a wall-clock
// deadline").
func Open(ctx context.Context, cfg Config, log xlog.Logger) (*Store, error) {
	if cfg.AcquireRetries <= 0 {
		cfg.AcquireRetries = 10
	}
	if cfg.AcquireDeadline <= 0 {
		cfg.AcquireDeadline = 30 * time.Second
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?pool_min_conns=%d&pool_max_conns=%d",
		cfg.Username, cfg.Password, cfg.Hostname, cfg.Database, cfg.MinConns, cfg.MaxConns)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	deadline := time.Now().Add(cfg.AcquireDeadline)
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

	var pool *pgxpool.Pool
	for attempt := 0; attempt < cfg.AcquireRetries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			break
		}
		log.Warnf("postgres connect attempt %d failed: %v", attempt+1, err)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening postgres event store: %w", err)
	}

	return &Store{pool: pool, log: log, cfg: cfg}, nil
}

// NewSession implements eventstore.Store.
func (s *Store) NewSession() eventstore.Session {
	return newSession(s.pool, s.log.Fork("session"))
}

// Close implements eventstore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isRetryable reports whether a Postgres error code indicates a
// transaction worth retrying (deadlock or serialization failure),
// mirroring dittofs's transaction.go isRetryableError.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}
	return false
}
