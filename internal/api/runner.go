package api

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/archive"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/clock"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/crawl"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/publish"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/store"
)

// Engine runs a crawl strategy over a task list.
type Engine interface {
	Run(ctx context.Context, tasks []crawl.Task, params crawl.Params) (crawl.Result, error)
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// CrawlRequest is one submitted crawl.
type CrawlRequest struct {
	NovelURL     string
	Workers      int
	Limit        int
	StartChapter int
}

// RunnerConfig carries the defaults applied to submitted crawls.
type RunnerConfig struct {
	Workers      int
	ChapterLimit int
	StartChapter int
	// Topic names the event stream crawl completions are published to.
	Topic string
}

// Runner executes submitted crawls asynchronously, one at a time, and
// records their lifecycle in the store.
type Runner struct {
	cfg        RunnerConfig
	engine     Engine
	fetcher    crawl.Fetcher
	extractor  extract.Extractor
	store      store.Store
	archiver   archive.Archiver
	publisher  publish.Publisher
	controller *job.Controller
	idGen      IDGenerator
	clock      clock.Clock
	logger     *zap.Logger
}

func NewRunner(
	cfg RunnerConfig,
	engine Engine,
	fetcher crawl.Fetcher,
	extractor extract.Extractor,
	st store.Store,
	archiver archive.Archiver,
	publisher publish.Publisher,
	controller *job.Controller,
	idGen IDGenerator,
	clk clock.Clock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		cfg:        cfg,
		engine:     engine,
		fetcher:    fetcher,
		extractor:  extractor,
		store:      st,
		archiver:   archiver,
		publisher:  publisher,
		controller: controller,
		idGen:      idGen,
		clock:      clk,
		logger:     logger,
	}
}

// Submit registers a run and starts it in the background. Only one run may
// be active; job.ErrJobActive is returned otherwise.
func (r *Runner) Submit(ctx context.Context, req CrawlRequest) (string, error) {
	req = r.applyDefaults(req)
	runID, err := r.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	if err := r.controller.Start(runID); err != nil {
		return "", err
	}
	strategy := crawl.StrategySequential
	if req.Workers > 0 {
		strategy = crawl.StrategyConcurrent
	}
	run := store.Run{
		ID:        runID,
		NovelURL:  req.NovelURL,
		Strategy:  strategy,
		Status:    store.StatusRunning,
		Workers:   req.Workers,
		StartedAt: r.clock.Now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.controller.End(runID)
		return "", fmt.Errorf("create run: %w", err)
	}

	go r.execute(runID, req)
	return runID, nil
}

func (r *Runner) applyDefaults(req CrawlRequest) CrawlRequest {
	// Workers may stay zero, which runs the sequential strategy.
	if req.Workers <= 0 {
		req.Workers = r.cfg.Workers
	}
	if req.Limit <= 0 {
		req.Limit = r.cfg.ChapterLimit
	}
	if req.StartChapter <= 0 {
		req.StartChapter = r.cfg.StartChapter
	}
	return req
}

// ErrRunNotActive is returned when cancel or stop targets a run that is not
// the one currently executing.
var ErrRunNotActive = errors.New("run is not active")

// Cancel requests hard cancellation of the active run.
func (r *Runner) Cancel(runID string) error {
	if r.controller.ActiveID() != runID {
		return ErrRunNotActive
	}
	r.controller.RequestCancel()
	return nil
}

// Stop requests a graceful stop of the active run.
func (r *Runner) Stop(runID string) error {
	if r.controller.ActiveID() != runID {
		return ErrRunNotActive
	}
	r.controller.RequestStop()
	return nil
}

func (r *Runner) execute(runID string, req CrawlRequest) {
	ctx := context.Background()
	defer r.controller.End(runID)
	token := r.controller.Token()
	logger := r.logger.With(zap.String("run_id", runID), zap.String("novel_url", req.NovelURL))
	logger.Info("crawl started", zap.Int("workers", req.Workers))

	var result crawl.Result
	tasks, meta, err := r.loadIndex(ctx, req.NovelURL, token)
	if err == nil {
		result, err = r.engine.Run(ctx, tasks, crawl.Params{
			Workers:      req.Workers,
			Limit:        req.Limit,
			StartChapter: req.StartChapter,
			Token:        token,
		})
	}

	status := store.StatusCompleted
	errMsg := ""
	switch {
	case errors.Is(err, job.ErrCancelled):
		status = store.StatusCancelled
	case err != nil:
		status = store.StatusFailed
		errMsg = err.Error()
	case result.Partial:
		status = store.StatusPartial
	}

	if len(result.Chapters) > 0 {
		if saveErr := r.store.SaveChapters(ctx, toStored(runID, result.Chapters)); saveErr != nil {
			logger.Error("save chapters", zap.Error(saveErr))
		}
	}

	archiveURI := ""
	if status != store.StatusFailed && len(result.Chapters) > 0 {
		uri, archiveErr := r.archiver.ArchiveRun(ctx, r.buildBundle(runID, req.NovelURL, meta, result.Chapters))
		if archiveErr != nil {
			logger.Error("archive run", zap.Error(archiveErr))
		} else {
			archiveURI = uri
		}
	}

	if finishErr := r.store.FinishRun(ctx, runID, status, len(result.Chapters), errMsg); finishErr != nil {
		logger.Error("finish run", zap.Error(finishErr))
	}

	if status == store.StatusCompleted || status == store.StatusPartial {
		event := publish.CrawlFinished{
			RunID:        runID,
			NovelURL:     req.NovelURL,
			Strategy:     result.Strategy,
			Status:       status,
			ChapterCount: len(result.Chapters),
			ArchiveURI:   archiveURI,
			FinishedAt:   r.clock.Now(),
		}
		if _, pubErr := r.publisher.Publish(ctx, r.cfg.Topic, event); pubErr != nil {
			logger.Error("publish crawl event", zap.Error(pubErr))
		}
	}

	metrics.ObserveCrawl(status)
	logger.Info("crawl finished",
		zap.String("status", status),
		zap.Int("chapters", len(result.Chapters)),
		zap.Int("failed", len(result.Failed)))
}

// loadIndex fetches the novel page and enumerates chapter tasks. A URL that
// points directly at a chapter becomes a single-task crawl that extends
// through next links.
func (r *Runner) loadIndex(ctx context.Context, novelURL string, token *job.Token) ([]crawl.Task, extract.Metadata, error) {
	resp, err := r.fetcher.Fetch(ctx, novelURL, fetch.Options{Token: token})
	if err != nil {
		return nil, extract.Metadata{}, fmt.Errorf("fetch index: %w", err)
	}
	meta := r.extractor.Metadata(resp.Body, novelURL)
	entries, err := r.extractor.IndexEntries(resp.Body, novelURL)
	if err != nil {
		return nil, meta, fmt.Errorf("parse index: %w", err)
	}
	tasks := make([]crawl.Task, 0, len(entries))
	for _, entry := range entries {
		tasks = append(tasks, crawl.Task{Index: entry.Index, URL: entry.URL})
	}
	if len(tasks) == 0 && meta.FirstChapterURL != "" {
		index := extract.ChapterIndexFromURL(meta.FirstChapterURL)
		if index < 0 {
			index = 1
		}
		tasks = append(tasks, crawl.Task{Index: index, URL: meta.FirstChapterURL})
	}
	if len(tasks) == 0 {
		if index := extract.ChapterIndexFromURL(novelURL); index >= 0 {
			tasks = append(tasks, crawl.Task{Index: index, URL: novelURL})
		}
	}
	if len(tasks) == 0 {
		return nil, meta, fmt.Errorf("no chapter links found at %s", novelURL)
	}
	return tasks, meta, nil
}

func (r *Runner) buildBundle(runID, novelURL string, meta extract.Metadata, chapters []crawl.Chapter) archive.Bundle {
	bundle := archive.Bundle{
		RunID:      runID,
		NovelURL:   novelURL,
		NovelTitle: meta.NovelTitle,
		Author:     meta.Author,
		Genres:     meta.Genres,
		Language:   meta.Language,
		Status:     meta.Status,
		Synopsis:   meta.Synopsis,
		CoverURL:   meta.CoverURL,
		CreatedAt:  r.clock.Now(),
		Chapters:   make([]archive.Chapter, 0, len(chapters)),
	}
	for _, ch := range chapters {
		bundle.Chapters = append(bundle.Chapters, archive.Chapter{
			Index: ch.Index,
			Title: ch.Title,
			Text:  ch.Text,
			URL:   ch.URL,
		})
	}
	return bundle
}

func toStored(runID string, chapters []crawl.Chapter) []store.Chapter {
	out := make([]store.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, store.Chapter{
			RunID: runID,
			Index: ch.Index,
			Title: ch.Title,
			Text:  ch.Text,
			URL:   ch.URL,
		})
	}
	return out
}
