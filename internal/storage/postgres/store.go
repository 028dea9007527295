// Package postgres provides Postgres-backed persistence for pages,
// extractions, and topic metadata.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	PagesTable       string
	ExtractionsTable string
	TopicsTable      string
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

type tables struct {
	pages       string
	extractions string
	topics      string
}

// Store implements crawler.PageStore, crawler.ExtractionStore, and
// crawler.TopicStore.
type Store struct {
	pool   pool
	tables tables
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	t, err := resolveTables(cfg)
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
	return &Store{pool: p, tables: t}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := resolveTables(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, tables: t}, nil
}

func resolveTables(cfg Config) (tables, error) {
	t := tables{
		pages:       orDefault(cfg.PagesTable, "crawled_pages"),
		extractions: orDefault(cfg.ExtractionsTable, "extractions"),
		topics:      orDefault(cfg.TopicsTable, "topics"),
	}
	for _, name := range []string{t.pages, t.extractions, t.topics} {
		if !validTableName.MatchString(name) {
			return tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables and indexes when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	topic TEXT NOT NULL,
	url TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	domain TEXT NOT NULL,
	status TEXT NOT NULL,
	text_hash TEXT NOT NULL,
	bytes INTEGER NOT NULL DEFAULT 0,
	http_status INTEGER NOT NULL DEFAULT 0,
	raw_html TEXT,
	extracted_text TEXT,
	blob_uri TEXT,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_processed_at TIMESTAMPTZ NOT NULL,
	reason_code TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_text_hash_idx ON %[1]s (text_hash);
CREATE INDEX IF NOT EXISTS %[1]s_topic_status_idx ON %[1]s (topic, status);
CREATE TABLE IF NOT EXISTS %[2]s (
	page_id UUID PRIMARY KEY REFERENCES %[1]s (id),
	topic TEXT NOT NULL,
	source_url TEXT NOT NULL,
	title TEXT NOT NULL,
	top10_facts JSONB NOT NULL,
	quoted_passages JSONB NOT NULL,
	paraphrase_summary TEXT NOT NULL,
	controversial_flags JSONB NOT NULL DEFAULT '[]'::jsonb,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[3]s (
	name TEXT PRIMARY KEY,
	top_level_tags TEXT[] NOT NULL DEFAULT '{}'
);`, s.tables.pages, s.tables.extractions, s.tables.topics)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreatePage inserts page. A text hash collision returns crawler.ErrDuplicateContent.
func (s *Store) CreatePage(ctx context.Context, page crawler.CrawledPage) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	topic,
	url,
	canonical_url,
	domain,
	status,
	text_hash,
	bytes,
	http_status,
	raw_html,
	extracted_text,
	blob_uri,
	first_seen_at,
	last_processed_at,
	reason_code
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)`, s.tables.pages)

	args := []any{
		page.ID,
		page.Topic,
		page.URL,
		page.CanonicalURL,
		page.Domain,
		string(page.Status),
		page.TextHash,
		page.Bytes,
		page.HTTPStatus,
		nullable(page.RawHTML),
		nullable(page.ExtractedText),
		nullable(page.BlobURI),
		page.FirstSeenAt,
		page.LastProcessedAt,
		nullable(page.ReasonCode),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert page %s: %w", page.ID, crawler.ErrDuplicateContent)
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *Store) selectPage() string {
	return fmt.Sprintf(`
SELECT
	id,
	topic,
	url,
	canonical_url,
	domain,
	status,
	text_hash,
	bytes,
	http_status,
	COALESCE(raw_html, ''),
	COALESCE(extracted_text, ''),
	COALESCE(blob_uri, ''),
	first_seen_at,
	last_processed_at,
	COALESCE(reason_code, '')
FROM %s`, s.tables.pages)
}

func scanPage(row pgx.Row) (crawler.CrawledPage, error) {
	var (
		page   crawler.CrawledPage
		status string
	)
	err := row.Scan(
		&page.ID,
		&page.Topic,
		&page.URL,
		&page.CanonicalURL,
		&page.Domain,
		&status,
		&page.TextHash,
		&page.Bytes,
		&page.HTTPStatus,
		&page.RawHTML,
		&page.ExtractedText,
		&page.BlobURI,
		&page.FirstSeenAt,
		&page.LastProcessedAt,
		&page.ReasonCode,
	)
	page.Status = crawler.PageStatus(status)
	return page, err
}

// GetPage loads a page by id.
func (s *Store) GetPage(ctx context.Context, id string) (crawler.CrawledPage, error) {
	page, err := scanPage(s.pool.QueryRow(ctx, s.selectPage()+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawledPage{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawledPage{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// FindByTextHash loads the page whose text hash matches.
func (s *Store) FindByTextHash(ctx context.Context, textHash string) (crawler.CrawledPage, bool, error) {
	page, err := scanPage(s.pool.QueryRow(ctx, s.selectPage()+" WHERE text_hash = $1", textHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawledPage{}, false, nil
	}
	if err != nil {
		return crawler.CrawledPage{}, false, fmt.Errorf("find page by text hash: %w", err)
	}
	return page, true, nil
}

// MarkExtracted flips a page to extracted.
func (s *Store) MarkExtracted(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, last_processed_at = $2 WHERE id = $3`, s.tables.pages)
	tag, err := s.pool.Exec(ctx, query, string(crawler.PageStatusExtracted), at, id)
	if err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// CreateExtraction inserts extraction; a second row for the same page is ignored.
func (s *Store) CreateExtraction(ctx context.Context, e crawler.Extraction) error {
	if e.PageID == "" {
		return fmt.Errorf("extraction page id is required")
	}
	facts, err := json.Marshal(e.Top10Facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	quotes, err := json.Marshal(e.QuotedPassages)
	if err != nil {
		return fmt.Errorf("marshal quotes: %w", err)
	}
	flags := e.ControversialFlags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	page_id,
	topic,
	source_url,
	title,
	top10_facts,
	quoted_passages,
	paraphrase_summary,
	controversial_flags,
	metadata,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (page_id) DO NOTHING`, s.tables.extractions)
	args := []any{
		e.PageID,
		e.Topic,
		e.SourceURL,
		e.Title,
		facts,
		quotes,
		e.ParaphraseSummary,
		flagsJSON,
		meta,
		e.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert extraction: %w", err)
	}
	return nil
}

// TopLevelTags returns the tags stored for topic, or nil when the topic is unknown.
func (s *Store) TopLevelTags(ctx context.Context, topic string) ([]string, error) {
	query := fmt.Sprintf(`SELECT top_level_tags FROM %s WHERE name = $1`, s.tables.topics)
	var tags []string
	err := s.pool.QueryRow(ctx, query, topic).Scan(&tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("topic tags: %w", err)
	}
	return tags, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
