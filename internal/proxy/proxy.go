// Package proxy owns the pool of relay endpoints used to route fetches and
// tracks their health. The pool is the only state shared between concurrent
// worker streams; all mutation happens behind its internal lock.
package proxy

import (
	"strings"
	"time"
)

// Record tracks the health of a single relay endpoint. Records are created on
// pool load and never deleted; dead proxies stay recorded but are excluded
// from sampling for the remainder of the process lifetime.
type Record struct {
	URL              string
	FailureScore     int
	QuarantinedUntil time.Time
	Dead             bool
}

// Source supplies candidate proxy endpoint URLs from configuration.
type Source interface {
	Load() ([]string, error)
	Name() string
}

// Normalize turns a raw source entry into a fully-qualified endpoint URL.
// Entries without a scheme are assumed to be http host:port pairs; bare hosts
// without a port are dropped.
func Normalize(raw string) (string, bool) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", false
	}
	if strings.Contains(p, "://") {
		return p, true
	}
	if strings.Contains(p, ":") {
		return "http://" + p, true
	}
	return "", false
}

// IsSocks reports whether the endpoint speaks a SOCKS protocol. SOCKS proxies
// handle CONNECT tunnelling better and are preferred for sticky streams.
func IsSocks(endpoint string) bool {
	return strings.HasPrefix(endpoint, "socks")
}
