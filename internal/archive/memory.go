package archive

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps bundles in process for tests and ephemeral runs.
type Memory struct {
	mu      sync.RWMutex
	bundles map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{bundles: make(map[string][]byte)}
}

func (m *Memory) ArchiveRun(_ context.Context, bundle Bundle) (string, error) {
	data, err := encode(bundle)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[bundle.RunID] = data
	return fmt.Sprintf("mem://%s", objectPath(bundle.RunID)), nil
}

// Bundle returns the raw stored bundle for a run.
func (m *Memory) Bundle(runID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.bundles[runID]
	return data, ok
}
