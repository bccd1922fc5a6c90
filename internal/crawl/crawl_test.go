package crawl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
)

func chapterHTML(title, text, nextURL string) string {
	next := ""
	if nextURL != "" {
		next = fmt.Sprintf(`<a title="Next Chapter" href=%q>Next</a>`, nextURL)
	}
	body := ""
	if text != "" {
		body = "<p>" + text + "</p>"
	}
	return fmt.Sprintf(`<html><body><h1>%s</h1><div id="article">%s</div>%s</body></html>`, title, body, next)
}

type pageResp struct {
	body string
	err  error
}

// fakeFetcher serves scripted responses per URL; the last entry repeats.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string][]pageResp
	calls    map[string]int
	order    []string
	optsSeen []fetch.Options
	// onFetch runs under the lock before each response, with the total
	// call count so far.
	onFetch func(total int)
	// onURL runs outside the lock with the URL and its prior call count,
	// so tests can block individual fetches without stalling the rest.
	onURL func(url string, n int)
	total int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string][]pageResp{}, calls: map[string]int{}}
}

func (f *fakeFetcher) serve(url string, responses ...pageResp) {
	f.pages[url] = responses
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, opts fetch.Options) (fetch.Response, error) {
	if err := opts.Token.CheckCancelled(); err != nil {
		return fetch.Response{}, err
	}
	f.mu.Lock()
	f.total++
	if f.onFetch != nil {
		f.onFetch(f.total)
	}
	f.optsSeen = append(f.optsSeen, opts)
	f.order = append(f.order, rawURL)
	seq, ok := f.pages[rawURL]
	n := f.calls[rawURL]
	f.calls[rawURL] = n + 1
	f.mu.Unlock()

	if f.onURL != nil {
		f.onURL(rawURL, n)
	}
	if !ok || len(seq) == 0 {
		return fetch.Response{}, fmt.Errorf("no page for %s", rawURL)
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	resp := seq[n]
	if resp.err != nil {
		return fetch.Response{}, resp.err
	}
	return fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte(resp.body)}, nil
}

type stubSampler struct {
	assignments []string
}

func (s *stubSampler) SampleSticky(n int) []string {
	if len(s.assignments) >= n {
		return s.assignments[:n]
	}
	out := make([]string, n)
	copy(out, s.assignments)
	return out
}

func chapterURL(i int) string {
	return fmt.Sprintf("https://site.test/novel/x/chapter-%d", i)
}

func chapterTask(i int) Task {
	return Task{Index: i, URL: chapterURL(i)}
}

func newTestCrawler(f Fetcher, sampler StickySampler) *Crawler {
	return New(Config{}, f, extract.NewGoquery(), sampler, zap.NewNop())
}

func serveChapters(f *fakeFetcher, from, to int) {
	for i := from; i <= to; i++ {
		next := ""
		if i < to {
			next = chapterURL(i + 1)
		}
		f.serve(chapterURL(i), pageResp{body: chapterHTML(
			fmt.Sprintf("Chapter %d", i), fmt.Sprintf("Text of chapter %d.", i), next)})
	}
}

func TestSequentialCollectsInOrder(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 3)
	c := newTestCrawler(f, &stubSampler{})

	// Tasks arrive out of order; the result is still sorted.
	result, err := c.Sequential(context.Background(), []Task{chapterTask(3), chapterTask(1), chapterTask(2)}, Params{})
	require.NoError(t, err)
	require.Equal(t, StrategySequential, result.Strategy)
	require.False(t, result.Partial)
	require.Len(t, result.Chapters, 3)
	for i, ch := range result.Chapters {
		require.Equal(t, i+1, ch.Index)
		require.Equal(t, fmt.Sprintf("Chapter %d", i+1), ch.Title)
	}
}

func TestSequentialStartOffsetAndLimit(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 5)
	c := newTestCrawler(f, &stubSampler{})

	tasks := []Task{chapterTask(1), chapterTask(2), chapterTask(3), chapterTask(4), chapterTask(5)}
	result, err := c.Sequential(context.Background(), tasks, Params{StartChapter: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, result.Chapters, 2)
	require.Equal(t, 2, result.Chapters[0].Index)
	require.Equal(t, 3, result.Chapters[1].Index)
	require.Zero(t, f.calls[chapterURL(1)])
}

func TestSequentialEmptyStreakAborts(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 2)
	for i := 3; i <= 6; i++ {
		f.serve(chapterURL(i), pageResp{body: chapterHTML(fmt.Sprintf("Chapter %d", i), "", "")})
	}
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 1; i <= 6; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	result, err := c.Sequential(context.Background(), tasks, Params{})
	require.NoError(t, err)
	require.Len(t, result.Chapters, 2)
	// Chapters 3, 4, 5 hit the streak limit; chapter 6 is never fetched.
	require.Zero(t, f.calls[chapterURL(6)])
}

func TestSequentialDeferredRetry(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 3)
	f.serve(chapterURL(2),
		pageResp{err: fmt.Errorf("proxy reset")},
		pageResp{err: fmt.Errorf("proxy reset")},
		pageResp{body: chapterHTML("Chapter 2", "Text of chapter 2.", chapterURL(3))},
	)
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Sequential(context.Background(), []Task{chapterTask(1), chapterTask(2), chapterTask(3)}, Params{})
	require.NoError(t, err)
	require.Len(t, result.Chapters, 3)
	require.Empty(t, result.Failed)
	require.Equal(t, []int{1, 2, 3}, chapterIndices(result.Chapters))
	require.Equal(t, 3, f.calls[chapterURL(2)])
}

func TestSequentialRetriesOldestDeferredFirst(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 3)
	f.serve(chapterURL(1),
		pageResp{err: fmt.Errorf("proxy reset")},
		pageResp{body: chapterHTML("Chapter 1", "Text of chapter 1.", chapterURL(2))},
	)
	f.serve(chapterURL(2),
		pageResp{err: fmt.Errorf("proxy reset")},
		pageResp{body: chapterHTML("Chapter 2", "Text of chapter 2.", chapterURL(3))},
	)
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Sequential(context.Background(), []Task{chapterTask(1), chapterTask(2), chapterTask(3)}, Params{})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, chapterIndices(result.Chapters))

	// Chapter 1 was deferred before chapter 2 and must be retried first.
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{
		chapterURL(1), chapterURL(2), chapterURL(3), chapterURL(1), chapterURL(2),
	}, f.order)
}

func TestSequentialKeepsUnrecoverableFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 2)
	f.serve(chapterURL(2), pageResp{err: fmt.Errorf("always down")})
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Sequential(context.Background(), []Task{chapterTask(1), chapterTask(2)}, Params{})
	require.NoError(t, err)
	require.Len(t, result.Chapters, 1)
	require.Len(t, result.Failed, 1)
	require.Equal(t, 2, result.Failed[0].Index)
}

func TestSequentialFollowsNextLinks(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 2, 4)
	c := newTestCrawler(f, &stubSampler{})

	// Only chapter 2 is given; 3 and 4 are reached through next links.
	result, err := c.Sequential(context.Background(), []Task{chapterTask(2)}, Params{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4}, chapterIndices(result.Chapters))
}

func TestSequentialGuessesNextLinkWhenAnchorsMissing(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	// Neither page carries a next anchor; chapter 3 is only reachable by
	// incrementing the chapter number in the URL.
	f.serve(chapterURL(2), pageResp{body: chapterHTML("Chapter 2", "Text of chapter 2.", "")})
	f.serve(chapterURL(3), pageResp{body: chapterHTML("Chapter 3", "Text of chapter 3.", "")})
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Sequential(context.Background(), []Task{chapterTask(2)}, Params{})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, chapterIndices(result.Chapters))

	// The guessed chapter-4 link does not resolve; the chase ends without
	// queueing it for retry.
	require.Equal(t, 1, f.calls[chapterURL(4)])
	require.Empty(t, result.Failed)
}

func TestSequentialStopReturnsPartial(t *testing.T) {
	t.Parallel()

	ctrl := job.NewController()
	require.NoError(t, ctrl.Start("job-stop"))

	f := newFakeFetcher()
	serveChapters(f, 1, 5)
	f.onFetch = func(total int) {
		if total == 2 {
			ctrl.RequestStop()
		}
	}
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 1; i <= 5; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	result, err := c.Sequential(context.Background(), tasks, Params{Token: ctrl.Token()})
	require.NoError(t, err)
	require.True(t, result.Partial)
	require.Len(t, result.Chapters, 2)
}

func TestSequentialCancelReturnsError(t *testing.T) {
	t.Parallel()

	ctrl := job.NewController()
	require.NoError(t, ctrl.Start("job-cancel"))
	ctrl.RequestCancel()

	f := newFakeFetcher()
	serveChapters(f, 1, 3)
	c := newTestCrawler(f, &stubSampler{})

	_, err := c.Sequential(context.Background(), []Task{chapterTask(1)}, Params{Token: ctrl.Token()})
	require.ErrorIs(t, err, job.ErrCancelled)
	require.Zero(t, f.total)
}

func TestConcurrentCollectsSorted(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 10)
	f.serve(chapterURL(4),
		pageResp{err: fmt.Errorf("flaky exit")},
		pageResp{err: fmt.Errorf("flaky exit")},
		pageResp{body: chapterHTML("Chapter 4", "Text of chapter 4.", chapterURL(5))},
	)
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 10; i >= 1; i-- {
		tasks = append(tasks, chapterTask(i))
	}
	result, err := c.Concurrent(context.Background(), tasks, Params{Workers: 3})
	require.NoError(t, err)
	require.Equal(t, StrategyConcurrent, result.Strategy)
	require.Empty(t, result.Failed)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, chapterIndices(result.Chapters))
}

func TestConcurrentStickyProxyAssignments(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 6)
	sampler := &stubSampler{assignments: []string{"http://p1:1", "http://p2:2"}}
	c := newTestCrawler(f, sampler)

	var tasks []Task
	for i := 1; i <= 6; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	_, err := c.Concurrent(context.Background(), tasks, Params{Workers: 2})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.optsSeen)
	for _, opts := range f.optsSeen {
		require.True(t, opts.HasPreferred)
		require.NotContains(t, opts.Avoid, opts.Preferred, "a stream must not avoid its own assignment")
		switch opts.Preferred {
		case "http://p1:1":
			require.Equal(t, []string{"http://p2:2"}, opts.Avoid)
		case "http://p2:2":
			require.Equal(t, []string{"http://p1:1"}, opts.Avoid)
		default:
			t.Fatalf("unexpected preferred proxy %q", opts.Preferred)
		}
	}
}

func TestConcurrentRetriesDeferredWhileStreamsRun(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 8)
	f.serve(chapterURL(1),
		pageResp{err: fmt.Errorf("flaky exit")},
		pageResp{body: chapterHTML("Chapter 1", "Text of chapter 1.", chapterURL(2))},
	)

	// Chapter 8 does not resolve until chapter 1's retry has started, so
	// the last stream is still in flight when the retry must run.
	var once sync.Once
	var gateTimedOut atomic.Bool
	retryStarted := make(chan struct{})
	f.onURL = func(url string, n int) {
		if url == chapterURL(1) && n == 1 {
			once.Do(func() { close(retryStarted) })
		}
		if url == chapterURL(8) {
			select {
			case <-retryStarted:
			case <-time.After(2 * time.Second):
				gateTimedOut.Store(true)
			}
		}
	}
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 1; i <= 8; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	result, err := c.Concurrent(context.Background(), tasks, Params{Workers: 2})
	require.NoError(t, err)
	require.Empty(t, result.Failed)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, chapterIndices(result.Chapters))
	require.False(t, gateTimedOut.Load(), "deferred retry never ran while streams were in flight")
}

func TestConcurrentCancelStopsWithinOneCycle(t *testing.T) {
	t.Parallel()

	ctrl := job.NewController()
	require.NoError(t, ctrl.Start("job-cc"))

	f := newFakeFetcher()
	serveChapters(f, 1, 20)
	f.onFetch = func(total int) {
		if total == 3 {
			ctrl.RequestCancel()
		}
	}
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 1; i <= 20; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	_, err := c.Concurrent(context.Background(), tasks, Params{Workers: 4, Token: ctrl.Token()})
	require.ErrorIs(t, err, job.ErrCancelled)
	// Each in-flight task may complete, but no new cycle starts.
	require.Less(t, f.total, 20)
}

func TestConcurrentStopReturnsPartial(t *testing.T) {
	t.Parallel()

	ctrl := job.NewController()
	require.NoError(t, ctrl.Start("job-cs"))

	f := newFakeFetcher()
	serveChapters(f, 1, 20)
	f.onFetch = func(total int) {
		if total == 4 {
			ctrl.RequestStop()
		}
	}
	c := newTestCrawler(f, &stubSampler{})

	var tasks []Task
	for i := 1; i <= 20; i++ {
		tasks = append(tasks, chapterTask(i))
	}
	result, err := c.Concurrent(context.Background(), tasks, Params{Workers: 2, Token: ctrl.Token()})
	require.NoError(t, err)
	require.True(t, result.Partial)
	require.NotEmpty(t, result.Chapters)
	require.Less(t, len(result.Chapters), 20)
}

func TestConcurrentDeferredDrainRetries(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 4)
	f.serve(chapterURL(3),
		pageResp{err: fmt.Errorf("down")},
		pageResp{body: chapterHTML("Chapter 3", "Text of chapter 3.", chapterURL(4))},
	)
	c := newTestCrawler(f, &stubSampler{})

	tasks := []Task{chapterTask(1), chapterTask(2), chapterTask(3), chapterTask(4)}
	result, err := c.Concurrent(context.Background(), tasks, Params{Workers: 2})
	require.NoError(t, err)
	require.Empty(t, result.Failed)
	require.Equal(t, []int{1, 2, 3, 4}, chapterIndices(result.Chapters))
}

func TestRunFallsBackToSequential(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	// Fail through the worker attempt and every drain pass of the
	// concurrent run, then let the sequential fallback succeed.
	concurrentAttempts := 1 + Config{}.withDefaults().ConcurrentRetryPasses
	failures := make([]pageResp, concurrentAttempts)
	for i := range failures {
		failures[i] = pageResp{err: fmt.Errorf("throttled")}
	}
	f.serve(chapterURL(1), append(append([]pageResp(nil), failures...),
		pageResp{body: chapterHTML("Chapter 1", "Text of chapter 1.", chapterURL(2))})...)
	f.serve(chapterURL(2), append(append([]pageResp(nil), failures...),
		pageResp{body: chapterHTML("Chapter 2", "Text of chapter 2.", "")})...)
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Run(context.Background(), []Task{chapterTask(1), chapterTask(2)}, Params{Workers: 2})
	require.NoError(t, err)
	require.Equal(t, StrategySequential, result.Strategy)
	require.Equal(t, []int{1, 2}, chapterIndices(result.Chapters))
}

func TestRunSelectsStrategyByWorkers(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	serveChapters(f, 1, 2)
	c := newTestCrawler(f, &stubSampler{})

	result, err := c.Run(context.Background(), []Task{chapterTask(1), chapterTask(2)}, Params{Workers: 1})
	require.NoError(t, err)
	require.Equal(t, StrategyConcurrent, result.Strategy)
	require.Len(t, result.Chapters, 2)

	result, err = c.Run(context.Background(), []Task{chapterTask(1), chapterTask(2)}, Params{})
	require.NoError(t, err)
	require.Equal(t, StrategySequential, result.Strategy)
}

func chapterIndices(chapters []Chapter) []int {
	out := make([]int, len(chapters))
	for i, ch := range chapters {
		out[i] = ch.Index
	}
	return out
}
