// Package archive persists finished crawl runs as chapter bundles that the
// EPUB conversion pipeline consumes.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Chapter is one chapter inside a bundle.
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
}

// Bundle is the complete output of one crawl run.
type Bundle struct {
	RunID      string    `json:"run_id"`
	NovelURL   string    `json:"novel_url"`
	NovelTitle string    `json:"novel_title,omitempty"`
	Author     string    `json:"author,omitempty"`
	Genres     []string  `json:"genres,omitempty"`
	Language   string    `json:"language,omitempty"`
	Status     string    `json:"status,omitempty"`
	Synopsis   string    `json:"synopsis,omitempty"`
	CoverURL   string    `json:"cover_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Chapters   []Chapter `json:"chapters"`
}

// Archiver stores a bundle and returns the URI where it can be read back.
type Archiver interface {
	ArchiveRun(ctx context.Context, bundle Bundle) (string, error)
}

func encode(bundle Bundle) ([]byte, error) {
	if bundle.RunID == "" {
		return nil, fmt.Errorf("bundle run id is required")
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return data, nil
}

func objectPath(runID string) string {
	return fmt.Sprintf("runs/%s.json", runID)
}
