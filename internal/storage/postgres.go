package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists registry state in a single key/value table, for
// deployments that already run Postgres and do not want Redis.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool
// and ensures the backing table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS gateway_kv (
			key   TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)`,
	); err != nil {
		return nil, fmt.Errorf("ensure gateway_kv table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Get implements Backend.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		"SELECT value FROM gateway_kv WHERE key = $1", key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set implements Backend.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO gateway_kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM gateway_kv WHERE key = $1", key,
	); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListKeys implements Backend.
func (s *PostgresStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT key FROM gateway_kv WHERE key LIKE $1 || '%'", prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys %s*: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements Backend.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
