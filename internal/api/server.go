// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/config"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/store"
)

// Server wires HTTP handlers to the crawl runner and store.
type Server struct {
	router chi.Router
	runner *Runner
	store  store.Store
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner *Runner, st store.Store, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		runner: runner,
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/chapters", s.listChapters)
				r.Post("/cancel", s.cancelRun)
				r.Post("/stop", s.stopRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	NovelURL     string `json:"novel_url"`
	Workers      int    `json:"workers"`
	Limit        int    `json:"limit"`
	StartChapter int    `json:"start_chapter"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.NovelURL == "" {
		s.writeError(w, http.StatusBadRequest, "novel_url is required")
		return
	}
	runID, err := s.runner.Submit(r.Context(), CrawlRequest{
		NovelURL:     req.NovelURL,
		Workers:      req.Workers,
		Limit:        req.Limit,
		StartChapter: req.StartChapter,
	})
	if err != nil {
		if errors.Is(err, job.ErrJobActive) {
			s.writeError(w, http.StatusConflict, "another crawl is already running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type runResponse struct {
	ID           string     `json:"id"`
	NovelURL     string     `json:"novel_url"`
	Strategy     string     `json:"strategy"`
	Status       string     `json:"status"`
	Workers      int        `json:"workers"`
	ChapterCount int        `json:"chapter_count"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{
		ID:           run.ID,
		NovelURL:     run.NovelURL,
		Strategy:     run.Strategy,
		Status:       run.Status,
		Workers:      run.Workers,
		ChapterCount: run.ChapterCount,
		Error:        run.Error,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	})
}

type chapterResponse struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
}

func (s *Server) listChapters(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	chapters, err := s.store.ListChapters(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load chapters")
		return
	}
	out := make([]chapterResponse, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, chapterResponse{Index: ch.Index, Title: ch.Title, Text: ch.Text, URL: ch.URL})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "chapters": out})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	s.signalRun(w, r, s.runner.Cancel, "cancelling")
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	s.signalRun(w, r, s.runner.Stop, "stopping")
}

func (s *Server) signalRun(w http.ResponseWriter, r *http.Request, signal func(string) error, state string) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err := signal(runID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": state})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
