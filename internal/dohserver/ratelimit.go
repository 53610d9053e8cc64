package dohserver

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter guards the per-stream handling work against a single abusive
// peer opening HEADERS frames faster than the configured rate. Keyed by the
// real TCP peer address, never the (possibly spoofed) X-Forwarded-For value.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

// allow reports whether a request from remoteAddr ("host:port" as seen on
// http.Request.RemoteAddr) may proceed. A nil receiver or a non-positive
// rate disables limiting entirely.
func (l *ipLimiter) allow(remoteAddr string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
