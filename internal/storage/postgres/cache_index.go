// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/datagetter/internal/cache"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "cache"

// CacheIndexConfig controls the Postgres connection pool used for the cache index.
type CacheIndexConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// CacheIndex implements cache.Index on a table with unique identity, hash and artifact columns.
type CacheIndex struct {
	pool  pool
	table string
}

// NewCacheIndex connects to Postgres and ensures the index table exists.
func NewCacheIndex(ctx context.Context, cfg CacheIndexConfig) (*CacheIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx := &CacheIndex{pool: p, table: table}
	if err := idx.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return idx, nil
}

// NewCacheIndexWithPool constructs an index from an existing pool (primarily for testing).
func NewCacheIndexWithPool(p pool, table string) (*CacheIndex, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &CacheIndex{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the index table when it does not exist.
func (s *CacheIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	original_identity TEXT NOT NULL UNIQUE,
	hash TEXT NOT NULL UNIQUE,
	artifact_name TEXT NOT NULL UNIQUE
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Lookup returns the entry keyed by hash.
func (s *CacheIndex) Lookup(ctx context.Context, hash string) (cache.Entry, bool, error) {
	query := fmt.Sprintf(`SELECT original_identity, hash, artifact_name FROM %s WHERE hash = $1`, s.table)
	var e cache.Entry
	err := s.pool.QueryRow(ctx, query, hash).Scan(&e.OriginalIdentity, &e.Hash, &e.ArtifactName)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	return e, true, nil
}

// Upsert applies the hash-wins rule inside one transaction.
func (s *CacheIndex) Upsert(ctx context.Context, entry cache.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cache upsert: %w", err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE original_identity = $1 AND hash <> $2`, s.table)
	if _, err := tx.Exec(ctx, deleteQuery, entry.OriginalIdentity, entry.Hash); err != nil {
		return rollback(ctx, tx, fmt.Errorf("drop stale identity row: %w", err))
	}

	insertQuery := fmt.Sprintf(`
INSERT INTO %s (original_identity, hash, artifact_name)
VALUES ($1, $2, $3)
ON CONFLICT (hash) DO UPDATE SET
	original_identity = EXCLUDED.original_identity,
	artifact_name = EXCLUDED.artifact_name`, s.table)
	if _, err := tx.Exec(ctx, insertQuery, entry.OriginalIdentity, entry.Hash, entry.ArtifactName); err != nil {
		return rollback(ctx, tx, fmt.Errorf("upsert cache entry: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cache upsert: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}

// Close releases the underlying pool resources.
func (s *CacheIndex) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
