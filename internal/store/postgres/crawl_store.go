// Package postgres provides Postgres-backed persistence for crawl runs.
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

	"github.com/Aditya-AR-A/webnovel-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	RunsTable       string
	ChaptersTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// CrawlStore implements store.Store on Postgres.
type CrawlStore struct {
	pool          pgxPool
	runsTable     string
	chaptersTable string
}

// New connects a pool and builds a CrawlStore.
func New(ctx context.Context, cfg Config) (*CrawlStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return NewWithPool(pool, cfg.RunsTable, cfg.ChaptersTable)
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool, runsTable, chaptersTable string) (*CrawlStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "crawl_runs"
	}
	if chaptersTable == "" {
		chaptersTable = "crawl_chapters"
	}
	for _, table := range []string{runsTable, chaptersTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &CrawlStore{pool: pool, runsTable: runsTable, chaptersTable: chaptersTable}, nil
}

// Close releases the underlying pool resources.
func (s *CrawlStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *CrawlStore) CreateRun(ctx context.Context, run store.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, novel_url, strategy, status, workers, started_at)
VALUES ($1,$2,$3,$4,$5,$6)`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.NovelURL, run.Strategy, run.Status, run.Workers, run.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *CrawlStore) FinishRun(ctx context.Context, id, status string, chapterCount int, errMsg string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, chapter_count = $3, error_message = $4, finished_at = now()
WHERE id = $1`, s.runsTable)
	tag, err := s.pool.Exec(ctx, query, id, status, chapterCount, errMsg)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CrawlStore) GetRun(ctx context.Context, id string) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, novel_url, strategy, status, workers, chapter_count, error_message, started_at, finished_at
FROM %s WHERE id = $1`, s.runsTable)
	var run store.Run
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.NovelURL, &run.Strategy, &run.Status, &run.Workers,
		&run.ChapterCount, &run.Error, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

func (s *CrawlStore) SaveChapters(ctx context.Context, chapters []store.Chapter) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, chapter_index, title, body, url)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_id, chapter_index) DO NOTHING`, s.chaptersTable)
	for _, ch := range chapters {
		if _, err := s.pool.Exec(ctx, query, ch.RunID, ch.Index, ch.Title, ch.Text, ch.URL); err != nil {
			return fmt.Errorf("insert chapter %d: %w", ch.Index, err)
		}
	}
	return nil
}

func (s *CrawlStore) ListChapters(ctx context.Context, runID string) ([]store.Chapter, error) {
	query := fmt.Sprintf(`
SELECT run_id, chapter_index, title, body, url
FROM %s WHERE run_id = $1 ORDER BY chapter_index`, s.chaptersTable)
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select chapters: %w", err)
	}
	defer rows.Close()

	var chapters []store.Chapter
	for rows.Next() {
		var ch store.Chapter
		if err := rows.Scan(&ch.RunID, &ch.Index, &ch.Title, &ch.Text, &ch.URL); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return chapters, nil
}
