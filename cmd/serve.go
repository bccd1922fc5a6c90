package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/api"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/clock"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/id/uuid"
)

// newServeCmd creates the 'serve' subcommand, which exposes the crawler as a
// long-lived HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the crawl API server",
		Long: `Serves the crawl HTTP API. Crawls are submitted over REST and run
one at a time in the background; results are stored, archived, and announced
on the configured event topic.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd.Context())
		},
	}
}

func runServeCommand(baseCtx context.Context) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	runner := api.NewRunner(
		api.RunnerConfig{
			Workers:      cfg.Crawl.Workers,
			ChapterLimit: cfg.Crawl.ChapterLimit,
			StartChapter: cfg.Crawl.StartChapter,
			Topic:        cfg.PubSub.TopicName,
		},
		svc.crawler,
		svc.client,
		svc.extractor,
		svc.store,
		svc.archiver,
		svc.publisher,
		svc.controller,
		uuid.NewGenerator(),
		clock.NewSystem(),
		logger.Named("runner"),
	)
	apiServer := api.NewServer(runner, svc.store, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	// Ask the active run, if any, to wind down before the listener closes.
	svc.controller.RequestStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
