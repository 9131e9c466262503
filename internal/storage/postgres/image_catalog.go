// Package postgres provides the Postgres-backed image catalog.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "stored_images"

// CatalogConfig controls the Postgres connection pool used for catalog rows.
type CatalogConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ImageCatalog records one row per stored content key. Rows are insert-only;
// a key seen again keeps its first row.
type ImageCatalog struct {
	pool  execCloser
	table string
}

// NewImageCatalog connects to Postgres and returns a catalog.
func NewImageCatalog(ctx context.Context, cfg CatalogConfig) (*ImageCatalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ImageCatalog{pool: pool, table: table}, nil
}

// NewImageCatalogWithPool constructs a catalog from an existing pool (primarily for testing).
func NewImageCatalogWithPool(pool execCloser, table string) (*ImageCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ImageCatalog{pool: pool, table: name}, nil
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

// EnsureSchema creates the catalog table when it does not exist.
func (c *ImageCatalog) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	content_key text PRIMARY KEY,
	content_hash text NOT NULL,
	ext text NOT NULL,
	uri text NOT NULL,
	source_url text NOT NULL,
	size_bytes bigint NOT NULL,
	stored_at timestamptz NOT NULL
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

// RecordImage inserts a catalog row for a newly stored image.
func (c *ImageCatalog) RecordImage(ctx context.Context, image crawler.StoredImage) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("image catalog is not configured")
	}
	if image.Key == "" {
		return fmt.Errorf("image key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	content_key,
	content_hash,
	ext,
	uri,
	source_url,
	size_bytes,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
) ON CONFLICT (content_key) DO NOTHING`, c.table)

	args := []any{
		image.Key,
		image.Hash,
		image.Ext,
		image.URI,
		image.SourceURL,
		image.Size,
		image.StoredAt,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert stored image: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (c *ImageCatalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}
