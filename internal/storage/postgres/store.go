// Package postgres implements the newsdesk store on Postgres via pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

//go:embed schema.sql
var schemaSQL string

// richColumns must all be present on articles for the enriched schema.
var richColumns = []string{"content_status", "topic_status", "word_count", "topics", "body"}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the bundled schema before capability detection.
	Migrate bool
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is the Postgres persistence adapter. The article writer strategy
// is chosen once, when the store is constructed.
type Store struct {
	pool   pgxPool
	writer writer
	legacy bool
	logger *zap.Logger
}

var _ newsdesk.Store = (*Store)(nil)

// Open connects, optionally migrates, and detects the available schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if _, err := pool.Exec(ctx, schemaSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	store, err := NewWithPool(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store on an existing pool (primarily for testing).
func NewWithPool(ctx context.Context, pool pgxPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rich, err := detectRichSchema(ctx, pool)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool, logger: logger}
	if rich {
		s.writer = richWriter{}
	} else {
		s.writer = legacyWriter{}
		s.legacy = true
		logger.Warn("enriched article schema unavailable; using legacy writer")
	}
	return s, nil
}

func detectRichSchema(ctx context.Context, pool pgxPool) (bool, error) {
	rows, err := pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		"articles")
	if err != nil {
		return false, fmt.Errorf("inspect article columns: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan column name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("inspect article columns: %w", err)
	}
	if len(present) == 0 {
		return false, fmt.Errorf("articles table not found")
	}
	for _, col := range richColumns {
		if !present[col] {
			return false, nil
		}
	}
	return true, nil
}

// LegacySchema reports whether the minimal writer was selected.
func (s *Store) LegacySchema() bool {
	return s.legacy
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) requireRich() error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return newsdesk.ErrNotFound
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	ts := t.UTC()
	return &ts
}
