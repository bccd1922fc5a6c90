package crawl

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/proxy"
)

type workerOutcome struct {
	task    Task
	chapter extract.Chapter
	ok      bool
}

// Concurrent retrieves the task window with a pool of worker streams. Each
// stream gets a sticky proxy assignment and avoids the assignments of its
// peers. Failed tasks join the collector's deferred queue; after every
// successful result the oldest deferred task is retried immediately on a
// freshly sampled proxy, and leftovers are drained in bounded retry passes
// after the workers finish. Chapters come back sorted by index no matter
// which stream produced them.
func (c *Crawler) Concurrent(ctx context.Context, tasks []Task, params Params) (Result, error) {
	result := Result{Strategy: StrategyConcurrent}
	window := applyWindow(tasks, params)
	if len(window) == 0 {
		return result, nil
	}
	workers := params.Workers
	if workers > len(window) {
		workers = len(window)
	}

	assignments := c.sampler.SampleSticky(workers)
	if len(assignments) < workers {
		padded := make([]string, workers)
		copy(padded, assignments)
		assignments = padded
	}

	taskCh := make(chan Task)
	outcomes := make(chan workerOutcome, len(window))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		preferred := assignments[i]
		avoid := peerAssignments(assignments, i)
		g.Go(func() error {
			return c.workerLoop(gctx, taskCh, outcomes, preferred, avoid, params.Token)
		})
	}

	go func() {
		defer close(taskCh)
		for _, task := range window {
			if params.Token.Stopped() || params.Token.CheckCancelled() != nil {
				return
			}
			select {
			case taskCh <- task:
			case <-gctx.Done():
				return
			}
		}
	}()

	// The collector runs while the streams fetch, so deferred tasks are
	// retried as soon as a success frees capacity instead of waiting for
	// the pool to drain.
	var deferred []Task
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for o := range outcomes {
			if !o.ok {
				deferred = append(deferred, o.task)
				continue
			}
			result.Chapters = append(result.Chapters, Chapter{
				Index: o.task.Index,
				Title: o.chapter.Title,
				Text:  o.chapter.Text,
				URL:   o.task.URL,
			})
			deferred = c.retryOldestDeferred(ctx, deferred, params, &result)
		}
	}()

	waitErr := g.Wait()
	close(outcomes)
	<-collectorDone

	if waitErr != nil {
		result.Failed = deferred
		sortChapters(result.Chapters)
		return result, waitErr
	}

	deferred, err := c.drainDeferred(ctx, deferred, params, &result)
	result.Failed = deferred
	result.Partial = result.Partial || params.Token.Stopped()
	sortChapters(result.Chapters)
	return result, err
}

// retryOldestDeferred pops the head of the deferred queue and retries it on
// a freshly sampled proxy. A retry that fails again rejoins the tail of the
// queue for the final drain passes.
func (c *Crawler) retryOldestDeferred(ctx context.Context, deferred []Task, params Params, result *Result) []Task {
	if len(deferred) == 0 {
		return deferred
	}
	if params.Token.Stopped() || params.Token.CheckCancelled() != nil {
		return deferred
	}
	task := deferred[0]
	deferred = deferred[1:]
	metrics.ObserveDeferredRetry()

	preferred := proxy.Direct
	if picks := c.sampler.SampleSticky(1); len(picks) > 0 {
		preferred = picks[0]
	}
	ch, err := c.fetchChapter(ctx, task, fetch.Options{
		Preferred:    preferred,
		HasPreferred: true,
		Token:        params.Token,
	})
	if err != nil {
		return append(deferred, task)
	}
	if ch.Empty() {
		metrics.ObserveChapterDropped()
		return deferred
	}
	result.Chapters = append(result.Chapters, Chapter{
		Index: task.Index,
		Title: ch.Title,
		Text:  ch.Text,
		URL:   task.URL,
	})
	metrics.ObserveChapterCollected(StrategyConcurrent)
	return deferred
}

func (c *Crawler) workerLoop(ctx context.Context, taskCh <-chan Task, outcomes chan<- workerOutcome, preferred string, avoid []string, token *job.Token) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	opts := fetch.Options{
		Preferred:    preferred,
		HasPreferred: true,
		Avoid:        avoid,
		Token:        token,
	}
	for task := range taskCh {
		if err := token.CheckCancelled(); err != nil {
			return err
		}
		if token.Stopped() {
			return nil
		}
		ch, err := c.fetchChapter(ctx, task, opts)
		if err != nil {
			if isCancelled(err) {
				return err
			}
			c.logger.Debug("chapter deferred",
				zap.Int("chapter", task.Index),
				zap.String("proxy", stickyLabel(preferred)),
				zap.Error(err))
			outcomes <- workerOutcome{task: task}
			continue
		}
		if ch.Empty() {
			metrics.ObserveChapterDropped()
			outcomes <- workerOutcome{task: task}
			continue
		}
		metrics.ObserveChapterCollected(StrategyConcurrent)
		outcomes <- workerOutcome{task: task, chapter: ch, ok: true}
	}
	return nil
}

// drainDeferred retries failed tasks with free proxy selection for a fixed
// number of passes. Passes are not cut short on lack of progress because
// transient upstream throttling often clears between passes.
func (c *Crawler) drainDeferred(ctx context.Context, deferred []Task, params Params, result *Result) ([]Task, error) {
	for pass := 0; pass < c.cfg.ConcurrentRetryPasses && len(deferred) > 0; pass++ {
		if params.Token.Stopped() {
			result.Partial = true
			return deferred, nil
		}
		pending := deferred
		deferred = nil
		for i, task := range pending {
			if err := params.Token.CheckCancelled(); err != nil {
				return append(deferred, pending[i:]...), err
			}
			if params.Token.Stopped() {
				result.Partial = true
				return append(deferred, pending[i:]...), nil
			}
			metrics.ObserveDeferredRetry()
			ch, err := c.fetchChapter(ctx, task, fetch.Options{Token: params.Token})
			if err != nil {
				if isCancelled(err) {
					return append(deferred, pending[i:]...), err
				}
				deferred = append(deferred, task)
				continue
			}
			if ch.Empty() {
				metrics.ObserveChapterDropped()
				continue
			}
			result.Chapters = append(result.Chapters, Chapter{
				Index: task.Index,
				Title: ch.Title,
				Text:  ch.Text,
				URL:   task.URL,
			})
			metrics.ObserveChapterCollected(StrategyConcurrent)
		}
	}
	return deferred, nil
}

// peerAssignments lists the concrete proxies pinned to every stream except
// worker i, so streams never share an exit.
func peerAssignments(assignments []string, i int) []string {
	var peers []string
	for j, endpoint := range assignments {
		if j == i || endpoint == proxy.Direct {
			continue
		}
		peers = append(peers, endpoint)
	}
	return peers
}

func stickyLabel(endpoint string) string {
	if endpoint == proxy.Direct {
		return "direct"
	}
	return endpoint
}
