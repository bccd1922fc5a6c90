package fetch

import (
	"math/rand/v2"
	"net/http"
)

// defaultUserAgents is a small pool of current desktop browser identities.
// Attempts rotate through it unless an override is configured.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

type identity struct {
	userAgent string
	referrer  string
}

// pickIdentity returns a browser identity for one attempt. When exclude is
// non-empty the returned user agent differs from it, so a blocked attempt can
// be retried with fresh headers on the same proxy.
func pickIdentity(override, referrer, exclude string) identity {
	ua := override
	if ua == "" {
		ua = defaultUserAgents[rand.IntN(len(defaultUserAgents))]
		for ua == exclude && len(defaultUserAgents) > 1 {
			ua = defaultUserAgents[rand.IntN(len(defaultUserAgents))]
		}
	}
	return identity{userAgent: ua, referrer: referrer}
}

func (id identity) apply(h http.Header) {
	h.Set("User-Agent", id.userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	if id.referrer != "" {
		h.Set("Referer", id.referrer)
	}
}
