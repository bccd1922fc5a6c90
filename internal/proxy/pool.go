package proxy

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aditya-AR-A/webnovel-crawler/internal/clock"
	"github.com/Aditya-AR-A/webnovel-crawler/internal/metrics"
)

// Direct is the sentinel returned when a stream should connect without a proxy.
const Direct = ""

// Config controls pool loading and health tracking.
type Config struct {
	// Primary, when set, is an operator-pinned proxy that SamplePrimary
	// always returns and SampleSticky assigns to stream 0.
	Primary string
	// DisablePublic drops all source-loaded proxies, leaving only Primary
	// (or direct connections).
	DisablePublic bool
	// CacheTTL bounds how long a loaded snapshot is reused before sources
	// are re-read.
	CacheTTL time.Duration
	// QuarantineWindow is how long a proxy sits out after its failure score
	// crosses FailureThreshold.
	QuarantineWindow time.Duration
	// FailureThreshold is the score at which a proxy is quarantined.
	FailureThreshold int
}

// Pool owns the candidate proxy list and all mutable health state.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	sources  []Source
	clock    clock.Clock
	logger   *zap.Logger
	loaded   []string
	lastLoad time.Time
	records  map[string]*Record
}

// NewPool constructs a Pool over the given sources.
func NewPool(cfg Config, sources []Source, clk clock.Clock, logger *zap.Logger) *Pool {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.QuarantineWindow <= 0 {
		cfg.QuarantineWindow = 10 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		sources: sources,
		clock:   clk,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Load merges candidate proxies from all sources, normalizes, deduplicates and
// shuffles them. Sources are re-read only when the cached snapshot is older
// than the TTL, the cache is empty, or force is set.
func (p *Pool) Load(force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if !force && len(p.loaded) > 0 && now.Sub(p.lastLoad) <= p.cfg.CacheTTL {
		return nil
	}

	var collected []string
	for _, src := range p.sources {
		entries, err := src.Load()
		if err != nil {
			// A broken source never poisons the pool; the others still count.
			p.logger.Warn("proxy source load failed",
				zap.String("source", src.Name()),
				zap.Error(err),
			)
			continue
		}
		collected = append(collected, entries...)
	}

	seen := make(map[string]struct{}, len(collected))
	dedup := make([]string, 0, len(collected))
	for _, endpoint := range collected {
		if _, ok := seen[endpoint]; ok {
			continue
		}
		seen[endpoint] = struct{}{}
		dedup = append(dedup, endpoint)
	}
	rand.Shuffle(len(dedup), func(i, j int) {
		dedup[i], dedup[j] = dedup[j], dedup[i]
	})

	if p.cfg.DisablePublic {
		dedup = nil
	}
	for _, endpoint := range dedup {
		if _, ok := p.records[endpoint]; !ok {
			p.records[endpoint] = &Record{URL: endpoint}
		}
	}
	p.loaded = dedup
	p.lastLoad = now
	p.logger.Debug("proxy pool loaded", zap.Int("candidates", len(dedup)))
	return nil
}

// Eligible returns a snapshot of currently usable proxies: loaded entries that
// are neither dead nor inside their quarantine window.
func (p *Pool) Eligible() []string {
	if err := p.Load(false); err != nil {
		p.logger.Warn("proxy pool load", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eligibleLocked()
}

// Primary returns the pinned mandatory proxy, or empty when none is set.
func (p *Pool) Primary() string {
	return p.cfg.Primary
}

func (p *Pool) eligibleLocked() []string {
	now := p.clock.Now()
	out := make([]string, 0, len(p.loaded))
	for _, endpoint := range p.loaded {
		rec := p.records[endpoint]
		if rec == nil {
			out = append(out, endpoint)
			continue
		}
		if rec.Dead {
			continue
		}
		if !rec.QuarantinedUntil.IsZero() && now.Before(rec.QuarantinedUntil) {
			continue
		}
		out = append(out, endpoint)
	}
	return out
}

// SamplePrimary returns the pinned primary proxy if configured, otherwise a
// uniformly random eligible entry, or Direct when the pool is empty.
func (p *Pool) SamplePrimary() string {
	if err := p.Load(false); err != nil {
		p.logger.Warn("proxy pool load", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Primary != "" {
		return p.cfg.Primary
	}
	eligible := p.eligibleLocked()
	if len(eligible) == 0 {
		return Direct
	}
	return eligible[rand.IntN(len(eligible))]
}

// SampleSticky returns n proxy assignments for n concurrent worker streams.
// With a pinned primary, stream 0 gets the primary and the rest go direct so
// a single endpoint is not hammered by every stream. Otherwise SOCKS-capable
// entries are preferred, sampled without replacement, with Direct sentinels
// padding streams the pool cannot cover.
func (p *Pool) SampleSticky(n int) []string {
	if n <= 0 {
		return nil
	}
	if err := p.Load(false); err != nil {
		p.logger.Warn("proxy pool load", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	assignments := make([]string, n)
	if p.cfg.Primary != "" {
		assignments[0] = p.cfg.Primary
		return assignments
	}

	eligible := p.eligibleLocked()
	var socks, plain []string
	for _, endpoint := range eligible {
		if IsSocks(endpoint) {
			socks = append(socks, endpoint)
		} else {
			plain = append(plain, endpoint)
		}
	}
	pool := socks
	if len(pool) == 0 {
		pool = plain
	}

	perm := rand.Perm(len(pool))
	for i := 0; i < n && i < len(pool); i++ {
		assignments[i] = pool[perm[i]]
	}
	return assignments
}

// ReportSuccess resets the failure score of the proxy.
func (p *Pool) ReportSuccess(endpoint string) {
	if endpoint == Direct {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec := p.recordLocked(endpoint); rec != nil {
		rec.FailureScore = 0
	}
}

// ReportFailure records a failed attempt through the proxy. Permanent
// failures (blocked content under the never-reuse policy) kill the proxy
// outright; otherwise the failure score grows and crossing the threshold
// quarantines the proxy for the configured window.
func (p *Pool) ReportFailure(endpoint string, permanent bool) {
	if endpoint == Direct {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.recordLocked(endpoint)
	if rec == nil {
		return
	}
	if permanent {
		if !rec.Dead {
			rec.Dead = true
			metrics.ObserveProxyDead()
			p.logger.Info("proxy removed from rotation", zap.String("proxy", endpoint))
		}
		return
	}
	rec.FailureScore++
	if rec.FailureScore >= p.cfg.FailureThreshold {
		rec.QuarantinedUntil = p.clock.Now().Add(p.cfg.QuarantineWindow)
		rec.FailureScore = 0
		metrics.ObserveProxyQuarantine()
		p.logger.Info("proxy quarantined",
			zap.String("proxy", endpoint),
			zap.Time("until", rec.QuarantinedUntil),
		)
	}
}

// Record returns a copy of the health record for the endpoint, if any.
func (p *Pool) Record(endpoint string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[endpoint]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (p *Pool) recordLocked(endpoint string) *Record {
	rec, ok := p.records[endpoint]
	if !ok {
		// Failures can be reported for proxies pinned outside the loaded
		// set (e.g. Primary); track them too.
		rec = &Record{URL: endpoint}
		p.records[endpoint] = rec
		p.loaded = append(p.loaded, endpoint)
	}
	return rec
}

// String implements fmt.Stringer for debug logging.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("proxy.Pool(loaded=%d)", len(p.loaded))
}
