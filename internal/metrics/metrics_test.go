package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "full url", in: "https://Example.COM/novel/x/chapter-1", want: "example.com"},
		{name: "bare host", in: "example.com", want: "example.com"},
		{name: "invalid", in: "://not a url", want: "unknown"},
		{name: "empty", in: "", want: "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, SanitizeSite(tc.in))
		})
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	ObserveFetchAttempt("https://example.com", "success", 120*time.Millisecond)
	ObserveBlocked("https://example.com", "status")
	ObserveProxyQuarantine()
	ObserveProxyDead()
	ObserveChapterCollected("concurrent")
	ObserveChapterDropped()
	ObserveDeferredRetry()
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveCrawl("succeeded")
	require.NotNil(t, Handler())
}
