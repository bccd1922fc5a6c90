package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// RendererConfig controls the headless challenge renderer.
type RendererConfig struct {
	// MaxParallel bounds concurrent browser sessions; 0 means unbounded.
	MaxParallel int
	// UserAgent overrides the browser identity presented to the site.
	UserAgent string
	// NavigationTimeout bounds one page render including challenge settling.
	NavigationTimeout time.Duration
	// SettleDelay is extra wait after body readiness, giving interstitial
	// challenge scripts time to resolve and redirect to real content.
	SettleDelay time.Duration
}

// ChromeRenderer renders blocked pages through headless Chrome so that
// JavaScript challenge interstitials can resolve to real content.
type ChromeRenderer struct {
	cfg         RendererConfig
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromeRenderer starts a shared browser allocator for challenge
// escalation. Callers must Close it when done.
func NewChromeRenderer(cfg RendererConfig) *ChromeRenderer {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeRenderer{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close shuts down the browser allocator.
func (r *ChromeRenderer) Close() {
	r.allocCancel()
}

// Render navigates to rawURL in a browser session and returns the settled
// DOM. The caller re-runs block classification on the result.
func (r *ChromeRenderer) Render(ctx context.Context, rawURL string) (Response, error) {
	if err := r.acquire(ctx); err != nil {
		return Response{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := &documentMeta{}
	chromedp.ListenTarget(taskCtx, meta.onEvent)

	start := time.Now()
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		r.sessionSetup(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return Response{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	status, headers := meta.snapshot()
	if finalURL == "" {
		finalURL = rawURL
	}
	return Response{
		URL:          rawURL,
		FinalURL:     finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedRenderer: true,
	}, nil
}

func (r *ChromeRenderer) sessionSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *ChromeRenderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("renderer slot wait canceled: %w", ctx.Err())
	}
}

func (r *ChromeRenderer) release() {
	if r.slots == nil {
		return
	}
	select {
	case <-r.slots:
	default:
	}
}

// documentMeta records the status and headers of the main document response
// seen during a render.
type documentMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
}

func (m *documentMeta) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.mu.Unlock()
}

func (m *documentMeta) snapshot() (int, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := m.headers
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers.Clone()
}
