// Package crawl orchestrates chapter retrieval: sequential link-following and
// concurrent worker-pool strategies with deferred retry and strict ordering.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
)

// Strategy names reported on results and metrics labels.
const (
	StrategySequential = "sequential"
	StrategyConcurrent = "concurrent"
)

// Fetcher is the slice of the fetch client the crawler depends on.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) (fetch.Response, error)
}

// StickySampler hands out per-stream proxy assignments.
type StickySampler interface {
	SampleSticky(n int) []string
}

// Task is one chapter to retrieve.
type Task struct {
	Index int
	URL   string
}

// Chapter is one successfully retrieved chapter.
type Chapter struct {
	Index int
	Title string
	Text  string
	URL   string
}

// Result is the outcome of one crawl run. Chapters are sorted by index
// regardless of retrieval order.
type Result struct {
	Chapters []Chapter
	Strategy string
	// Partial is set when a graceful stop ended the run early.
	Partial bool
	// Failed lists tasks that remained unretrieved after every retry pass.
	Failed []Task
}

// Params tune one crawl run.
type Params struct {
	// Workers selects the concurrent strategy when positive.
	Workers int
	// Limit caps collected chapters; 0 means unlimited.
	Limit int
	// StartChapter skips tasks below this chapter number.
	StartChapter int
	// Token carries cooperative cancellation; nil never cancels.
	Token *job.Token
}

// Config holds retry tuning shared by both strategies.
type Config struct {
	EmptyStreakLimit      int
	SequentialRetryPasses int
	ConcurrentRetryPasses int
}

func (c Config) withDefaults() Config {
	if c.EmptyStreakLimit <= 0 {
		c.EmptyStreakLimit = 3
	}
	if c.SequentialRetryPasses <= 0 {
		c.SequentialRetryPasses = 5
	}
	if c.ConcurrentRetryPasses <= 0 {
		c.ConcurrentRetryPasses = 10
	}
	return c
}

// Crawler runs chapter retrieval strategies over a fetch client and an
// extractor.
type Crawler struct {
	cfg       Config
	fetcher   Fetcher
	extractor extract.Extractor
	sampler   StickySampler
	logger    *zap.Logger
}

func New(cfg Config, fetcher Fetcher, extractor extract.Extractor, sampler StickySampler, logger *zap.Logger) *Crawler {
	return &Crawler{
		cfg:       cfg.withDefaults(),
		fetcher:   fetcher,
		extractor: extractor,
		sampler:   sampler,
		logger:    logger,
	}
}

// Run picks a strategy from params and executes it. A concurrent run that
// produces no chapters without being cancelled falls back to one sequential
// pass, which tolerates sites that throttle parallel readers.
func (c *Crawler) Run(ctx context.Context, tasks []Task, params Params) (Result, error) {
	if params.Workers > 0 {
		result, err := c.Concurrent(ctx, tasks, params)
		if err != nil {
			return result, err
		}
		if len(result.Chapters) > 0 || result.Partial {
			return result, nil
		}
		c.logger.Warn("concurrent crawl produced no chapters, falling back to sequential",
			zap.Int("tasks", len(tasks)))
		return c.Sequential(ctx, tasks, params)
	}
	return c.Sequential(ctx, tasks, params)
}

// applyWindow drops tasks below the start chapter and truncates to the
// limit.
func applyWindow(tasks []Task, params Params) []Task {
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if params.StartChapter > 0 && task.Index < params.StartChapter {
			continue
		}
		out = append(out, task)
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out
}

func sortChapters(chapters []Chapter) {
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Index < chapters[j].Index })
}

// fetchChapter retrieves and parses one chapter page.
func (c *Crawler) fetchChapter(ctx context.Context, task Task, opts fetch.Options) (extract.Chapter, error) {
	resp, err := c.fetcher.Fetch(ctx, task.URL, opts)
	if err != nil {
		return extract.Chapter{}, err
	}
	ch, err := c.extractor.Chapter(resp.Body, task.URL)
	if err != nil {
		return extract.Chapter{}, fmt.Errorf("extract chapter %d: %w", task.Index, err)
	}
	return ch, nil
}

func isCancelled(err error) bool {
	return errors.Is(err, job.ErrCancelled) || errors.Is(err, context.Canceled)
}
