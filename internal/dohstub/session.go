package dohstub

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/openresolve/doh-gateway/internal/metrics"
)

// Config is the stub pipeline's per-instance policy.
type Config struct {
	// UpstreamURL is the full DoH endpoint, e.g. "https://dns.example.com/dns-query".
	UpstreamURL string
	// UsePOST selects POST request composition; GET is the default.
	UsePOST bool
	// TLSConfig is the client TLS context (ALPN h2) built by internal/tlsconfig.
	TLSConfig *tls.Config
	// DialTimeout bounds opening the underlying TLS connection.
	DialTimeout time.Duration
	// RequestTimeout bounds a single DoH round trip.
	RequestTimeout time.Duration
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RequestTimeout
}

// session owns one HTTP/2 connection to the configured DoH server.
type session struct {
	client    *http.Client
	transport *http2.Transport
}

func buildSession(cfg Config) *session {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{NextProtos: []string{"h2"}}
	}
	dialTimeout := cfg.dialTimeout()

	transport := &http2.Transport{
		TLSClientConfig: tlsConfig,
		AllowHTTP:       false,
		DialTLSContext: func(ctx context.Context, network, addr string, tc *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: dialTimeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(conn, tc)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
	return &session{
		client:    &http.Client{Transport: transport, Timeout: cfg.requestTimeout()},
		transport: transport,
	}
}

// sessionCell is the single mutable HttpClientSession slot: at most one
// HTTP/2 connection is live at a time, and concurrent requests share it as
// concurrent streams. The mutex serializes only the "is current session
// usable, else build a new one" check; it is released before any
// per-request I/O runs on the chosen session, per the one-cell ownership
// pattern the teacher's tlsClientFor uses for its map-of-clients.
type sessionCell struct {
	mu      sync.Mutex
	current *session
	cfg     Config
	logger  *slog.Logger
}

func newSessionCell(cfg Config, logger *slog.Logger) *sessionCell {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &sessionCell{cfg: cfg, logger: logger}
}

// acquire returns the current session, building one if none exists.
func (c *sessionCell) acquire() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return c.current
	}
	s := buildSession(c.cfg)
	c.current = s
	metrics.StubSessionsBuiltTotal.Inc()
	c.logger.Debug("built upstream doh session", "url", c.cfg.UpstreamURL)
	return s
}

// reset clears the cell if it still holds stale -- never mutating a session
// in place, only ever replacing it, so concurrent requests already in
// flight on stale are unaffected.
func (c *sessionCell) reset(stale *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == stale {
		c.current = nil
	}
}

// isRefusedStream reports whether err is the Go analogue of the DoH
// client's TooManyStreams condition: the server refused a new HTTP/2
// stream on an otherwise live connection.
func isRefusedStream(err error) bool {
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Code == http2.ErrCodeRefusedStream
	}
	return false
}
