// Package store defines persistence for crawl runs and their chapters.
package store

import (
	"context"
	"errors"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run records one crawl job.
type Run struct {
	ID           string
	NovelURL     string
	Strategy     string
	Status       string
	Workers      int
	ChapterCount int
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Chapter is one persisted chapter of a run.
type Chapter struct {
	RunID string
	Index int
	Title string
	Text  string
	URL   string
}

// Store persists crawl runs.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id, status string, chapterCount int, errMsg string) error
	GetRun(ctx context.Context, id string) (Run, error)
	SaveChapters(ctx context.Context, chapters []Chapter) error
	ListChapters(ctx context.Context, runID string) ([]Chapter, error)
}
