package crawl

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/extract"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/fetch"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
)

type seqOutcome int

const (
	seqCollected seqOutcome = iota
	seqDeferred
	seqEmpty
	seqStopped
	seqAborted
)

// sequentialRun keeps the mutable state of one sequential crawl.
type sequentialRun struct {
	crawler     *Crawler
	params      Params
	result      Result
	failed      []Task
	emptyStreak int
	lastNext    string
	lastIndex   int
	aborted     bool
}

// Sequential walks tasks in order, following next-chapter links past the
// task list, deferring failures to a retry stack that is drained one entry
// per success and in final passes at the end.
func (c *Crawler) Sequential(ctx context.Context, tasks []Task, params Params) (Result, error) {
	run := &sequentialRun{
		crawler: c,
		params:  params,
		result:  Result{Strategy: StrategySequential},
	}

	window := applyWindow(tasks, params)
	for _, task := range window {
		if run.done() {
			break
		}
		if err := run.process(ctx, task); err != nil {
			return run.finish(), err
		}
	}

	if err := run.followNextLinks(ctx); err != nil {
		return run.finish(), err
	}
	if err := run.drainFailed(ctx); err != nil {
		return run.finish(), err
	}
	return run.finish(), nil
}

func (r *sequentialRun) done() bool {
	return r.aborted || r.result.Partial || r.limitReached()
}

func (r *sequentialRun) limitReached() bool {
	return r.params.Limit > 0 && len(r.result.Chapters) >= r.params.Limit
}

// process handles one task and, after each success, pops the oldest deferred
// task for an immediate retry.
func (r *sequentialRun) process(ctx context.Context, task Task) error {
	for {
		outcome, err := r.attempt(ctx, task)
		if err != nil {
			return err
		}
		if outcome != seqCollected || len(r.failed) == 0 || r.done() {
			return nil
		}
		task = r.failed[0]
		r.failed = r.failed[1:]
		metrics.ObserveDeferredRetry()
	}
}

func (r *sequentialRun) attempt(ctx context.Context, task Task) (seqOutcome, error) {
	token := r.params.Token
	if err := token.CheckCancelled(); err != nil {
		return seqAborted, err
	}
	if token.Stopped() {
		r.result.Partial = true
		return seqStopped, nil
	}

	ch, err := r.crawler.fetchChapter(ctx, task, fetch.Options{Token: token})
	if err != nil {
		if isCancelled(err) {
			return seqAborted, err
		}
		r.crawler.logger.Debug("chapter deferred",
			zap.Int("chapter", task.Index), zap.Error(err))
		r.failed = append(r.failed, task)
		return seqDeferred, nil
	}
	if ch.Empty() {
		r.emptyStreak++
		metrics.ObserveChapterDropped()
		if r.emptyStreak >= r.crawler.cfg.EmptyStreakLimit {
			r.crawler.logger.Warn("aborting sequential crawl after consecutive empty chapters",
				zap.Int("streak", r.emptyStreak), zap.Int("chapter", task.Index))
			r.aborted = true
			return seqAborted, nil
		}
		return seqEmpty, nil
	}

	r.collect(task, ch)
	return seqCollected, nil
}

func (r *sequentialRun) collect(task Task, ch extract.Chapter) {
	r.emptyStreak = 0
	r.result.Chapters = append(r.result.Chapters, Chapter{
		Index: task.Index,
		Title: ch.Title,
		Text:  ch.Text,
		URL:   task.URL,
	})
	metrics.ObserveChapterCollected(StrategySequential)
	if task.Index >= r.lastIndex {
		r.lastIndex = task.Index
		r.lastNext = ch.NextURL
	}
}

// followNextLinks continues past the task list by chasing next-chapter links
// from the last collected chapter. A failed or empty continuation stops the
// chase; deferred retries do not apply here because a broken link means the
// chain has run out.
func (r *sequentialRun) followNextLinks(ctx context.Context) error {
	for !r.done() && r.lastNext != "" {
		task := Task{Index: r.lastIndex + 1, URL: r.lastNext}
		r.lastNext = ""
		outcome, err := r.attempt(ctx, task)
		if err != nil {
			return err
		}
		if outcome != seqCollected {
			if outcome == seqDeferred {
				// The chased link never resolved; drop it rather than
				// retrying a guessed URL forever.
				r.failed = r.failed[:len(r.failed)-1]
			}
			return nil
		}
	}
	return nil
}

// drainFailed makes bounded retry passes over the deferred stack, stopping
// early when a full pass makes no progress.
func (r *sequentialRun) drainFailed(ctx context.Context) error {
	for pass := 0; pass < r.crawler.cfg.SequentialRetryPasses && len(r.failed) > 0; pass++ {
		if r.result.Partial || r.aborted {
			return nil
		}
		pending := r.failed
		r.failed = nil
		progressed := false
		for i, task := range pending {
			if r.done() {
				r.failed = append(r.failed, pending[i:]...)
				return nil
			}
			outcome, err := r.attempt(ctx, task)
			if err != nil {
				return err
			}
			switch outcome {
			case seqCollected:
				progressed = true
			case seqStopped:
				// A stopped task was never tried; keep it with the rest.
				r.failed = append(r.failed, pending[i:]...)
				return nil
			case seqAborted:
				r.failed = append(r.failed, pending[i+1:]...)
				return nil
			}
		}
		if !progressed {
			break
		}
	}
	return nil
}

func (r *sequentialRun) finish() Result {
	r.result.Failed = r.failed
	sortChapters(r.result.Chapters)
	return r.result
}
