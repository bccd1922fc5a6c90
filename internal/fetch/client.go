package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/proxy"
)

// ProxyPool is the slice of the proxy pool the client depends on.
type ProxyPool interface {
	Eligible() []string
	Primary() string
	ReportSuccess(endpoint string)
	ReportFailure(endpoint string, permanent bool)
}

// Renderer escalates a blocked page through a real browser session.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Response, error)
}

// Config controls retry, backoff, and identity behavior.
type Config struct {
	// Retries is the attempt budget per logical fetch.
	Retries int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// BackoffBase and BackoffMax shape the exponential delay between
	// attempts; each delay is jittered by +/-25%.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// UserAgent pins a single identity instead of rotating the default pool.
	UserAgent string
	// Referrer is sent on every request when non-empty.
	Referrer string
	// AllowDirect permits proxyless attempts.
	AllowDirect bool
	// PerHostQPS throttles attempts per target host.
	PerHostQPS float64
	// NeverReuseBlocked retires a proxy permanently once it serves a
	// blocked page.
	NeverReuseBlocked bool
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 600 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 4 * time.Second
	}
	if c.PerHostQPS <= 0 {
		c.PerHostQPS = 2.0
	}
	return c
}

// Client fetches pages with proxy rotation, backoff, and block detection.
type Client struct {
	cfg      Config
	pool     ProxyPool
	detector *Detector
	renderer Renderer
	logger   *zap.Logger
	base     *colly.Collector

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client. renderer may be nil to disable headless
// escalation of blocked pages.
func NewClient(cfg Config, pool ProxyPool, detector *Detector, renderer Renderer, logger *zap.Logger) *Client {
	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	return &Client{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		detector: detector,
		renderer: renderer,
		logger:   logger,
		base:     base,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves rawURL, rotating proxies and identities across attempts
// until a non-blocked success or the attempt budget is exhausted. The last
// failure is returned when every attempt fails.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (Response, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = c.cfg.Retries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	site := metrics.SanitizeSite(rawURL)

	attempted := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := opts.Token.CheckCancelled(); err != nil {
			return Response{}, err
		}
		if err := c.waitHost(ctx, rawURL); err != nil {
			return Response{}, err
		}

		endpoint := c.pickProxy(attempt, attempted, opts)
		attempted[endpoint] = true

		resp, err := c.attemptWithIdentity(ctx, rawURL, endpoint, timeout, site)
		if err == nil {
			c.pool.ReportSuccess(endpoint)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		}

		if blocked, ok := asBlocked(err); ok {
			c.logger.Warn("blocked response",
				zap.String("url", rawURL),
				zap.String("proxy", proxyLabel(endpoint)),
				zap.String("reason", blocked.Reason),
				zap.Int("attempt", attempt))
			// The block counts against the proxy even when the renderer
			// rescues the attempt.
			c.pool.ReportFailure(endpoint, c.cfg.NeverReuseBlocked)
			if c.renderer != nil {
				if rendered, rerr := c.escalate(ctx, rawURL); rerr == nil {
					return rendered, nil
				}
			}
		} else {
			c.logger.Debug("fetch attempt failed",
				zap.String("url", rawURL),
				zap.String("proxy", proxyLabel(endpoint)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			c.pool.ReportFailure(endpoint, false)
		}

		if attempt < retries-1 {
			if err := c.backoff(ctx, attempt); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{}, fmt.Errorf("fetch %s: attempts exhausted: %w", rawURL, lastErr)
}

// attemptWithIdentity runs one attempt and, when the result is classified
// blocked, immediately retries once on the same proxy with fresh identity
// headers before giving up on the attempt.
func (c *Client) attemptWithIdentity(ctx context.Context, rawURL, endpoint string, timeout time.Duration, site string) (Response, error) {
	id := pickIdentity(c.cfg.UserAgent, c.cfg.Referrer, "")
	resp, err := c.attempt(ctx, rawURL, endpoint, id, timeout, site)
	if _, blocked := asBlocked(err); !blocked || c.cfg.UserAgent != "" {
		return resp, err
	}
	alt := pickIdentity(c.cfg.UserAgent, c.cfg.Referrer, id.userAgent)
	return c.attempt(ctx, rawURL, endpoint, alt, timeout, site)
}

func (c *Client) attempt(ctx context.Context, rawURL, endpoint string, id identity, timeout time.Duration, site string) (Response, error) {
	collector := c.base.Clone()
	collector.SetRequestTimeout(timeout)
	if endpoint != proxy.Direct {
		if err := collector.SetProxy(endpoint); err != nil {
			return Response{}, fmt.Errorf("set proxy %s: %w", proxyLabel(endpoint), err)
		}
	}

	start := time.Now()
	var (
		result   Response
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		id.apply(*r.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Proxy:      endpoint,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveFetchAttempt(site, "error", time.Since(start))
		return Response{}, err
	}

	if blocked, reason := c.detector.Classify(result.StatusCode, result.Body); blocked {
		metrics.ObserveFetchAttempt(site, "blocked", result.Duration)
		metrics.ObserveBlocked(site, reason)
		return Response{}, &BlockedError{URL: rawURL, StatusCode: result.StatusCode, Reason: reason}
	}
	if result.StatusCode >= 400 {
		metrics.ObserveFetchAttempt(site, "error", result.Duration)
		return Response{}, &StatusError{URL: rawURL, StatusCode: result.StatusCode}
	}
	metrics.ObserveFetchAttempt(site, "success", result.Duration)
	return result, nil
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("request %s: %w", rawURL, *fetchErr)
		}
		return nil
	}
}

// pickProxy chooses the endpoint for one attempt: the caller's preference
// first, then a direct attempt when permitted, then unattempted pool entries,
// falling back to reuse when the pool is exhausted.
func (c *Client) pickProxy(attempt int, attempted map[string]bool, opts Options) string {
	avoid := make(map[string]bool, len(opts.Avoid))
	for _, a := range opts.Avoid {
		if a != proxy.Direct {
			avoid[a] = true
		}
	}
	pinned := c.pool.Primary() != ""
	directOK := c.cfg.AllowDirect && !pinned

	if attempt == 0 {
		if opts.HasPreferred {
			return opts.Preferred
		}
		if directOK {
			return proxy.Direct
		}
	}
	if attempt == 1 && directOK && !attempted[proxy.Direct] {
		return proxy.Direct
	}

	eligible := c.pool.Eligible()
	var fresh, reusable []string
	for _, endpoint := range eligible {
		if avoid[endpoint] {
			continue
		}
		reusable = append(reusable, endpoint)
		if !attempted[endpoint] {
			fresh = append(fresh, endpoint)
		}
	}
	if len(fresh) > 0 {
		return fresh[rand.IntN(len(fresh))]
	}
	if directOK && !attempted[proxy.Direct] {
		return proxy.Direct
	}
	if pinned {
		return c.pool.Primary()
	}
	if len(reusable) > 0 {
		return reusable[rand.IntN(len(reusable))]
	}
	return proxy.Direct
}

func (c *Client) escalate(ctx context.Context, rawURL string) (Response, error) {
	rendered, err := c.renderer.Render(ctx, rawURL)
	if err != nil {
		return Response{}, err
	}
	if blocked, reason := c.detector.Classify(rendered.StatusCode, rendered.Body); blocked {
		return Response{}, &BlockedError{URL: rawURL, StatusCode: rendered.StatusCode, Reason: reason}
	}
	return rendered, nil
}

// backoff sleeps for base*2^attempt capped at max, jittered by +/-25%.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BackoffBase << attempt
	if delay > c.cfg.BackoffMax || delay <= 0 {
		delay = c.cfg.BackoffMax
	}
	jitter := 0.75 + rand.Float64()*0.5
	delay = time.Duration(float64(delay) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// waitHost enforces the per-host request rate across every attempt the
// client makes, regardless of proxy.
func (c *Client) waitHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := u.Hostname()

	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.PerHostQPS), 1)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func asBlocked(err error) (*BlockedError, bool) {
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return blocked, true
	}
	return nil, false
}

func proxyLabel(endpoint string) string {
	if endpoint == proxy.Direct {
		return "direct"
	}
	return endpoint
}
