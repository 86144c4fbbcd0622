package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const openTimeout = 10 * time.Second

// PoolConfig sizes the query pool. The execution feed holds its own
// connection outside it.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// withDefaults fills zero fields. Correlation polls are short and sequential
// per browser, so a small pool is plenty.
func (p PoolConfig) withDefaults() PoolConfig {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 10
	}
	if p.MaxIdleConns <= 0 || p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = min(2, p.MaxOpenConns)
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = 5 * time.Minute
	}
	return p
}

// DB reads the shared workflow_executions table.
type DB struct {
	conn *sql.DB
}

// New opens the pool and verifies the server answers within ten seconds.
func New(ctx context.Context, dataSourceName string, pool PoolConfig) (*DB, error) {
	conn, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool = pool.withDefaults()
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	db := &DB{conn: conn}
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Ping checks that a pooled connection still reaches the server.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the pool
func (db *DB) Close() error {
	return db.conn.Close()
}
