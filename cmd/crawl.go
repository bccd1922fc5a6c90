package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/archive"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/clock"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/crawl"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/id/uuid"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
)

// newCrawlCmd creates and configures the 'crawl' subcommand. It runs a single
// crawl synchronously: fetch the novel index, retrieve every chapter, archive
// the bundle, and exit.
func newCrawlCmd() *cobra.Command {
	var (
		novelURL     string
		workers      int
		limit        int
		startChapter int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl and exits",
		Long: `Fetches the chapter index of the given novel URL, retrieves every
chapter through the proxy pool, and archives the collected bundle. A URL that
points directly at a chapter is crawled forward through its next links.

The first SIGINT requests a graceful stop; chapters collected so far are still
archived as a partial bundle.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if novelURL == "" {
				return errors.New("--url is required")
			}
			return runCrawlCommand(cmd.Context(), crawlInvocation{
				novelURL:     novelURL,
				workers:      workers,
				limit:        limit,
				startChapter: startChapter,
			})
		},
	}
	cmd.Flags().StringVar(&novelURL, "url", "", "novel index or chapter URL to crawl")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers (0 uses the configured default)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum chapters to retrieve (0 uses the configured default)")
	cmd.Flags().IntVar(&startChapter, "start-chapter", 0, "first chapter index to retrieve (0 uses the configured default)")
	return cmd
}

type crawlInvocation struct {
	novelURL     string
	workers      int
	limit        int
	startChapter int
}

func runCrawlCommand(ctx context.Context, inv crawlInvocation) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	runID, err := uuid.NewGenerator().NewID()
	if err != nil {
		return err
	}
	if err := svc.controller.Start(runID); err != nil {
		return err
	}
	defer svc.controller.End(runID)
	token := svc.controller.Token()

	// A signal requests a cooperative stop rather than cancelling outright,
	// so in-flight chapters finish and the partial bundle is kept.
	sigCtx, stopNotify := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopNotify()
	go func() {
		<-sigCtx.Done()
		svc.controller.RequestStop()
	}()

	tasks, meta, err := loadCrawlTasks(ctx, svc, inv.novelURL, token)
	if err != nil {
		return err
	}
	logger.Info("crawl started",
		zap.String("novel_url", inv.novelURL),
		zap.Int("tasks", len(tasks)))

	result, err := svc.crawler.Run(ctx, tasks, crawl.Params{
		Workers:      pickValue(inv.workers, cfg.Crawl.Workers),
		Limit:        pickValue(inv.limit, cfg.Crawl.ChapterLimit),
		StartChapter: pickValue(inv.startChapter, cfg.Crawl.StartChapter),
		Token:        token,
	})
	if err != nil {
		if errors.Is(err, job.ErrCancelled) || errors.Is(err, context.Canceled) {
			logger.Info("crawl cancelled")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}

	archiveURI := ""
	if len(result.Chapters) > 0 {
		bundle := archive.Bundle{
			RunID:      runID,
			NovelURL:   inv.novelURL,
			NovelTitle: meta.NovelTitle,
			Author:     meta.Author,
			Genres:     meta.Genres,
			Language:   meta.Language,
			Status:     meta.Status,
			Synopsis:   meta.Synopsis,
			CoverURL:   meta.CoverURL,
			CreatedAt:  clock.NewSystem().Now(),
		}
		for _, ch := range result.Chapters {
			bundle.Chapters = append(bundle.Chapters, archive.Chapter{
				Index: ch.Index,
				Title: ch.Title,
				Text:  ch.Text,
				URL:   ch.URL,
			})
		}
		uri, archiveErr := svc.archiver.ArchiveRun(ctx, bundle)
		if archiveErr != nil {
			logger.Error("archive run", zap.Error(archiveErr))
		} else {
			archiveURI = uri
		}
	}

	logger.Info("crawl finished",
		zap.String("strategy", result.Strategy),
		zap.Bool("partial", result.Partial),
		zap.Int("chapters", len(result.Chapters)),
		zap.Int("failed", len(result.Failed)),
		zap.String("archive_uri", archiveURI))
	return nil
}

// loadCrawlTasks fetches the index page and builds the task list. A direct
// chapter URL becomes a single task that extends through next links.
func loadCrawlTasks(ctx context.Context, svc *services, novelURL string, token *job.Token) ([]crawl.Task, extract.Metadata, error) {
	resp, err := svc.client.Fetch(ctx, novelURL, fetch.Options{Token: token})
	if err != nil {
		return nil, extract.Metadata{}, fmt.Errorf("fetch index: %w", err)
	}
	meta := svc.extractor.Metadata(resp.Body, novelURL)
	entries, err := svc.extractor.IndexEntries(resp.Body, novelURL)
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

func pickValue(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
