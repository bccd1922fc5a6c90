package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/archive"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/clock"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/config"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/crawl"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/proxy"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/publish"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/store"
	storepg "github.com/Aditya-AR-A/webnovel-crawler/internal/store/postgres"
)

// services bundles the wired application components shared by the crawl and
// serve commands.
type services struct {
	pool       *proxy.Pool
	client     *fetch.Client
	extractor  *extract.GoqueryExtractor
	crawler    *crawl.Crawler
	store      store.Store
	archiver   archive.Archiver
	publisher  publish.Publisher
	controller *job.Controller
	closers    []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	s := &services{
		extractor:  extract.NewGoquery(),
		controller: job.NewController(),
	}

	var sources []proxy.Source
	if cfg.Proxy.YAMLPath != "" {
		sources = append(sources, proxy.YAMLSource{Path: cfg.Proxy.YAMLPath})
	}
	if cfg.Proxy.CSVPath != "" {
		sources = append(sources, proxy.CSVSource{Path: cfg.Proxy.CSVPath})
	}
	s.pool = proxy.NewPool(proxy.Config{
		Primary:          cfg.Proxy.Primary,
		DisablePublic:    cfg.Proxy.DisablePublic,
		CacheTTL:         cfg.ProxyCacheTTL(),
		QuarantineWindow: cfg.QuarantineWindow(),
		FailureThreshold: cfg.Proxy.FailureThreshold,
	}, sources, clock.NewSystem(), logger)

	detector := fetch.NewDetector(fetch.DetectorConfig{
		Enabled:        cfg.BlockDetect.Enabled,
		Lenient:        cfg.BlockDetect.Lenient,
		LeadingBytes:   cfg.BlockDetect.LeadingBytes,
		MinSignalHits:  cfg.BlockDetect.MinSignalHits,
		Phrases:        cfg.BlockDetect.Phrases,
		MinBodyBytes:   cfg.BlockDetect.MinBodyBytes,
		AcceptKeywords: cfg.BlockDetect.AcceptKeywords,
	})

	var renderer fetch.Renderer
	if cfg.Renderer.Enabled {
		chrome := fetch.NewChromeRenderer(fetch.RendererConfig{
			MaxParallel:       cfg.Renderer.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.RendererNavTimeout(),
		})
		s.closers = append(s.closers, chrome.Close)
		renderer = chrome
	}

	s.client = fetch.NewClient(fetch.Config{
		Retries:           cfg.Fetch.Retries,
		Timeout:           cfg.FetchTimeout(),
		BackoffBase:       cfg.BackoffBase(),
		BackoffMax:        cfg.BackoffMax(),
		UserAgent:         cfg.Fetch.UserAgent,
		Referrer:          cfg.Fetch.Referrer,
		AllowDirect:       cfg.Fetch.AllowDirect,
		PerHostQPS:        cfg.Fetch.PerHostQPS,
		NeverReuseBlocked: cfg.Proxy.NeverReuseBlocked,
	}, s.pool, detector, renderer, logger)

	s.crawler = crawl.New(crawl.Config{
		EmptyStreakLimit:      cfg.Crawl.EmptyStreakLimit,
		SequentialRetryPasses: cfg.Crawl.SequentialRetryPasses,
		ConcurrentRetryPasses: cfg.Crawl.ConcurrentRetryPasses,
	}, s.client, s.extractor, s.pool, logger)

	if err := s.buildStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.buildArchiver(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.buildPublisher(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *services) buildStore(ctx context.Context, cfg config.Config) error {
	if cfg.DB.DSN == "" {
		s.store = store.NewMemory()
		return nil
	}
	pg, err := storepg.New(ctx, storepg.Config{
		DSN:       cfg.DB.DSN,
		RunsTable: cfg.DB.RunsTable,
		MaxConns:  int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("init postgres store: %w", err)
	}
	s.store = pg
	s.closers = append(s.closers, pg.Close)
	return nil
}

func (s *services) buildArchiver(ctx context.Context, cfg config.Config) error {
	switch cfg.Archive.Provider {
	case "", "none", "memory":
		s.archiver = archive.NewMemory()
	case "local":
		local, err := archive.NewLocal(cfg.Archive.LocalDir)
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		s.archiver = local
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		gcs, err := archive.NewGCS(client, cfg.Archive.GCSBucket)
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		s.archiver = gcs
		s.closers = append(s.closers, func() { _ = client.Close() })
	default:
		return fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
	return nil
}

func (s *services) buildPublisher(ctx context.Context, cfg config.Config) error {
	if cfg.PubSub.ProjectID == "" {
		s.publisher = publish.NewMemory()
		return nil
	}
	ps, err := publish.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	s.publisher = ps
	s.closers = append(s.closers, func() { _ = ps.Close() })
	return nil
}
