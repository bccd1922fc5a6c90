// Package job coordinates the single globally-active crawl job and its
// cancellation and stop signals. Cancel is a hard abort surfaced as an error
// at the next checkpoint; stop is a graceful drain checked at safe
// boundaries. One coarse lock guards all state: only one job is ever active,
// so finer granularity buys nothing.
package job

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is returned from checkpoints after RequestCancel.
var ErrCancelled = errors.New("operation cancelled by user")

// ErrJobActive is returned by Start when a different job is still active.
var ErrJobActive = errors.New("another job already active")

// Controller tracks the active job id and the two signal flags.
type Controller struct {
	mu        sync.Mutex
	activeID  string
	cancelled bool
	stopped   bool
}

// NewController creates an idle Controller.
func NewController() *Controller {
	return &Controller{}
}

// Start marks jobID active and clears both signal flags. It fails if a
// different job is active and has not been cancelled.
func (c *Controller) Start(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID != "" && c.activeID != jobID && !c.cancelled {
		return fmt.Errorf("start job %s: %w", jobID, ErrJobActive)
	}
	c.activeID = jobID
	c.cancelled = false
	c.stopped = false
	return nil
}

// End releases the active marker and clears both flags if jobID is the
// active job; otherwise it is a no-op. End is idempotent.
func (c *Controller) End(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == jobID {
		c.activeID = ""
		c.cancelled = false
		c.stopped = false
	}
}

// ActiveID returns the currently active job id, or "" when idle.
func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// RequestCancel sets the cancel flag. The effect is global: with a single
// active job there is nothing to scope it to.
func (c *Controller) RequestCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// RequestStop sets the stop flag.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// Token returns a cancellation token view of the controller, suitable for
// threading through fetch and crawl loops.
func (c *Controller) Token() *Token {
	return &Token{ctrl: c}
}

// Token exposes the non-mutating checkpoint queries. A nil Token never
// cancels, which lets components treat the token as optional.
type Token struct {
	ctrl *Controller
}

// CheckCancelled returns ErrCancelled if a cancel has been requested.
// Call it at the top of every crawl loop iteration and immediately before
// every network call.
func (t *Token) CheckCancelled() error {
	if t == nil || t.ctrl == nil {
		return nil
	}
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	if t.ctrl.cancelled {
		return ErrCancelled
	}
	return nil
}

// Stopped reports whether a graceful stop has been requested. It never
// returns an error; callers use it at safe boundaries to return partial
// results.
func (t *Token) Stopped() bool {
	if t == nil || t.ctrl == nil {
		return false
	}
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	return t.ctrl.stopped
}
