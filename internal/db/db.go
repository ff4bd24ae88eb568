// Package db opens the PostgreSQL connection shared by the repositories.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrMissingTable is returned by CheckSchema when a migration has not run.
var ErrMissingTable = errors.New("required table missing")

// RequiredTables are the tables created by the migrations in migrations/.
var RequiredTables = []string{
	"questions",
	"question_versions",
	"clusters",
	"votes",
	"vote_aggregates",
	"frozen_contests",
	"audit_logs",
}

// TableExistsQuery reports whether a table is visible on the search path.
const TableExistsQuery = "SELECT to_regclass($1) IS NOT NULL"

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns pool settings for a single API instance.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to url and pings the server.
func Open(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

// CheckSchema verifies every table in RequiredTables exists.
func CheckSchema(ctx context.Context, conn *sql.DB) error {
	for _, table := range RequiredTables {
		var ok bool
		if err := conn.QueryRowContext(ctx, TableExistsQuery, table).Scan(&ok); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTable, table)
		}
	}
	return nil
}
