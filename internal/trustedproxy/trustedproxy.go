// Package trustedproxy rewrites the apparent client address of a DoH
// request to the value carried in X-Forwarded-For, but only when the
// immediate peer is on a configured trust list.
package trustedproxy

import (
	"net"
	"strings"
)

// DefaultTrusted is the default trust list: loopback only.
var DefaultTrusted = []string{"::1", "127.0.0.1"}

// ClientIP returns the address the gateway should treat as the real
// client: the last hop of X-Forwarded-For if trusted is empty (trust any
// peer) or remoteAddr's host appears in trusted, otherwise remoteAddr's
// host unchanged. remoteAddr may carry a port ("host:port"); trusted
// entries and the returned value never do.
func ClientIP(remoteAddr, xForwardedFor string, trusted []string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	if xForwardedFor == "" || !(len(trusted) == 0 || isTrusted(host, trusted)) {
		return host
	}

	hops := strings.Split(xForwardedFor, ",")
	last := strings.TrimSpace(hops[len(hops)-1])
	if last == "" {
		return host
	}
	return last
}

func isTrusted(host string, trusted []string) bool {
	for _, t := range trusted {
		if t == host {
			return true
		}
	}
	return false
}
