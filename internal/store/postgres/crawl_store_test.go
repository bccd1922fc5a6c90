package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/store"
)

func newMockStore(t *testing.T) (*CrawlStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return s, mock
}

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	run := store.Run{
		ID:        "run-1",
		NovelURL:  "https://freewebnovel.com/novel/shadow-ascendant",
		Strategy:  "concurrent",
		Status:    store.StatusRunning,
		Workers:   4,
		StartedAt: started,
	}

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(run.ID, run.NovelURL, run.Strategy, run.Status, run.Workers, run.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunUpdatesRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs("run-1", store.StatusCompleted, 42, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishRun(context.Background(), "run-1", store.StatusCompleted, 42, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunUnknownID(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs("missing", store.StatusFailed, 0, "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "missing", store.StatusFailed, 0, "boom")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "novel_url", "strategy", "status", "workers",
		"chapter_count", "error_message", "started_at", "finished_at",
	}).AddRow("run-1", "https://x/novel/y", "sequential", store.StatusPartial, 1, 7, "", started, &finished)

	mock.ExpectQuery("SELECT (.+) FROM crawl_runs").
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPartial, run.Status)
	require.Equal(t, 7, run.ChapterCount)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, finished, *run.FinishedAt)
}

func TestSaveAndListChapters(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	chapters := []store.Chapter{
		{RunID: "run-1", Index: 1, Title: "Chapter 1", Text: "one", URL: "https://x/novel/y/chapter-1"},
		{RunID: "run-1", Index: 2, Title: "Chapter 2", Text: "two", URL: "https://x/novel/y/chapter-2"},
	}
	for _, ch := range chapters {
		mock.ExpectExec("INSERT INTO crawl_chapters").
			WithArgs(ch.RunID, ch.Index, ch.Title, ch.Text, ch.URL).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, s.SaveChapters(context.Background(), chapters))

	rows := pgxmock.NewRows([]string{"run_id", "chapter_index", "title", "body", "url"}).
		AddRow("run-1", 1, "Chapter 1", "one", "https://x/novel/y/chapter-1").
		AddRow("run-1", 2, "Chapter 2", "two", "https://x/novel/y/chapter-2")
	mock.ExpectQuery("SELECT (.+) FROM crawl_chapters").
		WithArgs("run-1").
		WillReturnRows(rows)

	got, err := s.ListChapters(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Chapter 2", got[1].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad;drop", "")
	require.Error(t, err)
}
