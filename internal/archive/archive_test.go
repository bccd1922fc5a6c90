package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testBundle() Bundle {
	return Bundle{
		RunID:      "run-1",
		NovelURL:   "https://freewebnovel.com/novel/shadow-ascendant",
		NovelTitle: "Shadow Ascendant",
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		Chapters: []Chapter{
			{Index: 1, Title: "Chapter 1", Text: "one", URL: "https://x/novel/y/chapter-1"},
			{Index: 2, Title: "Chapter 2", Text: "two", URL: "https://x/novel/y/chapter-2"},
		},
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	uri, err := m.ArchiveRun(context.Background(), testBundle())
	require.NoError(t, err)
	require.Equal(t, "mem://runs/run-1.json", uri)

	data, ok := m.Bundle("run-1")
	require.True(t, ok)
	var got Bundle
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "Shadow Ascendant", got.NovelTitle)
	require.Len(t, got.Chapters, 2)
}

func TestMemoryArchiveRequiresRunID(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	_, err := m.ArchiveRun(context.Background(), Bundle{})
	require.Error(t, err)
}

func TestLocalArchiveWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewLocal(dir)
	require.NoError(t, err)

	uri, err := l.ArchiveRun(context.Background(), testBundle())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "runs", "run-1.json"))
	require.NoError(t, err)
	var got Bundle
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "run-1", got.RunID)
}

func TestLocalArchiveCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "archive")
	_, err := NewLocal(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLocalArchiveRejectsEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := NewLocal("   ")
	require.Error(t, err)
}
