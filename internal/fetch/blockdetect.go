package fetch

import (
	"bytes"
	"net/http"
	"strings"
)

// DefaultBlockPhrases are the challenge-page markers scanned for in response
// bodies.
var DefaultBlockPhrases = []string{
	"captcha",
	"access denied",
	"forbidden",
	"cloudflare",
	"ddos protection",
	"verify you are human",
	"just a moment",
}

// defaultBlockStatuses are always classified blocked regardless of body.
var defaultBlockStatuses = map[int]struct{}{
	http.StatusUnauthorized:    {},
	http.StatusForbidden:       {},
	http.StatusTooManyRequests: {},
}

// contentMarkers are structural hints that a page carries real chapter
// content even when a block phrase appears in boilerplate.
var contentMarkers = []string{
	`property="og:novel`,
	`id="article"`,
	`class="m-read"`,
}

// DetectorConfig tunes block classification.
type DetectorConfig struct {
	// Enabled turns classification on. When false nothing is ever blocked.
	Enabled bool
	// Lenient downgrades phrase-based hits to warnings.
	Lenient bool
	// LeadingBytes bounds the body prefix scanned for phrases.
	LeadingBytes int
	// MinSignalHits is the phrase-hit threshold for a body-based block.
	MinSignalHits int
	// Phrases overrides DefaultBlockPhrases when non-empty.
	Phrases []string
	// MinBodyBytes and AcceptKeywords form the adaptive acceptance rule: a
	// body at least this large containing any keyword is never blocked on
	// phrases alone.
	MinBodyBytes   int
	AcceptKeywords []string
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.LeadingBytes <= 0 {
		c.LeadingBytes = 8000
	}
	if c.MinSignalHits <= 0 {
		c.MinSignalHits = 1
	}
	if len(c.Phrases) == 0 {
		c.Phrases = DefaultBlockPhrases
	}
	if c.MinBodyBytes <= 0 {
		c.MinBodyBytes = 6000
	}
	if len(c.AcceptKeywords) == 0 {
		c.AcceptKeywords = []string{"chapter", "novel"}
	}
	return c
}

// Detector classifies responses as blocked or genuine.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Classify reports whether a response looks like an anti-bot page and, when
// blocked, a short reason tag suitable for metrics labels.
func (d *Detector) Classify(statusCode int, body []byte) (bool, string) {
	if !d.cfg.Enabled {
		return false, ""
	}
	if _, ok := defaultBlockStatuses[statusCode]; ok {
		return true, "status"
	}

	hits := d.phraseHits(body)
	if hits < d.cfg.MinSignalHits {
		return false, ""
	}
	if d.cfg.Lenient {
		return false, ""
	}
	lower := bytes.ToLower(body)
	if len(body) >= d.cfg.MinBodyBytes {
		for _, kw := range d.cfg.AcceptKeywords {
			if bytes.Contains(lower, []byte(strings.ToLower(kw))) {
				return false, ""
			}
		}
	}
	for _, marker := range contentMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return false, ""
		}
	}
	return true, "content"
}

func (d *Detector) phraseHits(body []byte) int {
	prefix := body
	if len(prefix) > d.cfg.LeadingBytes {
		prefix = prefix[:d.cfg.LeadingBytes]
	}
	lower := bytes.ToLower(prefix)
	hits := 0
	for _, phrase := range d.cfg.Phrases {
		if bytes.Contains(lower, []byte(strings.ToLower(phrase))) {
			hits++
		}
	}
	return hits
}
