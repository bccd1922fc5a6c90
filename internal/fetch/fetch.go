// Package fetch performs resilient HTTP retrieval against hostile sources:
// proxy rotation, exponential backoff, rotating identity headers, and
// anti-bot block detection with optional headless escalation.
package fetch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/job"
)

// Response is the result of one logical fetch.
type Response struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Proxy        string
	Duration     time.Duration
	UsedRenderer bool
}

// Options tune a single logical fetch. Zero values fall back to the client
// configuration.
type Options struct {
	// Retries overrides the configured attempt budget.
	Retries int
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// Preferred is tried on attempt 0; proxy.Direct means "start direct".
	Preferred string
	// HasPreferred distinguishes an explicit direct preference from no
	// preference at all.
	HasPreferred bool
	// Avoid lists proxies this fetch must not use (typically the sticky
	// assignments of other worker streams).
	Avoid []string
	// Token is checked before every attempt; nil never cancels.
	Token *job.Token
}

// BlockedError reports that a response was classified as an anti-bot or
// challenge page rather than genuine content.
type BlockedError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked content detected for %s (status=%d, reason=%s)", e.URL, e.StatusCode, e.Reason)
}

// StatusError reports a structurally complete response with a non-success
// status outside the block set. It is retried as a transport failure.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}
