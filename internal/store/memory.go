package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and database-less runs.
type Memory struct {
	mu       sync.Mutex
	runs     map[string]Run
	chapters map[string][]Chapter
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]Run),
		chapters: make(map[string][]Chapter),
		now:      time.Now,
	}
}

func (m *Memory) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) FinishRun(_ context.Context, id, status string, chapterCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	finished := m.now().UTC()
	run.Status = status
	run.ChapterCount = chapterCount
	run.Error = errMsg
	run.FinishedAt = &finished
	m.runs[id] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (m *Memory) SaveChapters(_ context.Context, chapters []Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chapters {
		m.chapters[ch.RunID] = append(m.chapters[ch.RunID], ch)
	}
	return nil
}

func (m *Memory) ListChapters(_ context.Context, runID string) ([]Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Chapter(nil), m.chapters[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
