// Package publish emits crawl lifecycle events to downstream consumers,
// typically the EPUB conversion pipeline.
package publish

import (
	"context"
	"time"
)

// CrawlFinished announces that a run has ended and where its chapters live.
type CrawlFinished struct {
	RunID        string    `json:"run_id"`
	NovelURL     string    `json:"novel_url"`
	Strategy     string    `json:"strategy"`
	Status       string    `json:"status"`
	ChapterCount int       `json:"chapter_count"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Publisher delivers a payload to a named topic and returns the broker
// message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
