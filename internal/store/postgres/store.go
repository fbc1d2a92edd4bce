// Package postgres implements the store interfaces on PostgreSQL via pgx.
// Claims rely on FOR UPDATE SKIP LOCKED and every post-claim transition is
// fenced by the lock token, so any number of worker processes can share one
// database.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-core/internal/store"
)

var _ store.Store = (*Store)(nil)

// Config configures a Store.
type Config struct {
	Pool PoolConfig

	// Retry drives the backoff computed inside Fail.
	Retry store.RetryPolicy

	// MaxAttempts applies to jobs enqueued without one. Default 3.
	MaxAttempts int

	// AutoMigrate runs embedded migrations before New returns.
	AutoMigrate bool
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool        *pgxpool.Pool
	retry       store.RetryPolicy
	maxAttempts int
}

// New connects to Postgres and optionally migrates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	s := &Store{pool: pool, retry: cfg.Retry.Normalized(), maxAttempts: cfg.MaxAttempts}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies any pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.pool)
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte(`{}`)
	}
	return b
}
