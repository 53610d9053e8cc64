// Package upstream implements the recursive-resolver-facing half of the
// gateway: a UDP client with TCP fallback on truncation, used by the DoH
// server pipeline to resolve queries it has decoded from HTTP/2 requests.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/metrics"
)

// Client queries a single configured upstream resolver over UDP, falling
// back to TCP when the UDP response is truncated or the UDP exchange fails.
// A UDP reply that never arrives is bounded by the same deadline as the
// whole query, so it does not leave time for a TCP attempt (see Query).
type Client struct {
	// Addr is "host:port" of the upstream recursive resolver.
	Addr string
	// Dialer is used to open the UDP and TCP sockets; defaults to &net.Dialer{}.
	Dialer *net.Dialer
	logger *slog.Logger
}

// NewClient builds a Client targeting addr (default port 53 if addr has none).
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "53")
	}
	return &Client{Addr: addr, Dialer: &net.Dialer{}, logger: logger}
}

// result carries the outcome of one transport attempt through a one-shot
// channel. The channel is buffered (capacity 1), so an attempt that finishes
// after the caller has already given up on the slot sends without blocking
// and its result is never read.
type result struct {
	msg *dnscodec.Message
	err error
}

// Query resolves q against the configured upstream. Per the id-rewriting
// invariant, the id on the returned message always equals q's original id,
// regardless of what id was placed on the wire to upstream. Query returns
// (nil, nil) -- not an error -- when the deadline expires with no usable
// answer; the caller (the DoH server pipeline) turns that into a SERVFAIL.
//
// A silent UDP timeout (no datagram at all, as opposed to a read error or
// TC=1) races ctx.Done() against exchangeUDP's own read-deadline error on
// the shared select below, so it isn't guaranteed to fall back to TCP the
// way an explicit UDP error or truncated response does.
func (c *Client) Query(ctx context.Context, q *dnscodec.Message, originIP string, timeout time.Duration) (*dnscodec.Message, error) {
	originID := q.ID()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstreamID := uint16(rand.Intn(1 << 16))
	q.SetID(upstreamID)
	wire, err := q.Serialize()
	if err != nil {
		return nil, err
	}

	udpCh := make(chan result, 1)
	go c.exchangeUDP(ctx, wire, udpCh)

	select {
	case <-ctx.Done():
		c.logger.Warn("upstream query deadline expired before udp reply", "upstream", c.Addr, "client", originIP)
		return nil, nil
	case r := <-udpCh:
		if r.err != nil {
			c.logger.Debug("upstream udp exchange failed, falling back to tcp", "upstream", c.Addr, "error", r.err)
			return c.fallbackTCP(ctx, wire, originID, originIP)
		}
		if r.msg.Truncated() {
			c.logger.Debug("upstream udp response truncated, retrying over tcp", "upstream", c.Addr)
			return c.fallbackTCP(ctx, wire, originID, originIP)
		}
		metrics.UpstreamUDPTotal.Inc()
		r.msg.SetID(originID)
		return r.msg, nil
	}
}

func (c *Client) fallbackTCP(ctx context.Context, wire []byte, originID uint16, originIP string) (*dnscodec.Message, error) {
	metrics.RecordUpstreamFallback()
	tcpCh := make(chan result, 1)
	go c.exchangeTCP(ctx, wire, tcpCh)

	select {
	case <-ctx.Done():
		c.logger.Warn("upstream query deadline expired awaiting tcp reply", "upstream", c.Addr, "client", originIP)
		return nil, nil
	case r := <-tcpCh:
		if r.err != nil {
			c.logger.Warn("upstream tcp exchange failed", "upstream", c.Addr, "error", r.err)
			return nil, nil
		}
		r.msg.SetID(originID)
		return r.msg, nil
	}
}

func (c *Client) exchangeUDP(ctx context.Context, wire []byte, out chan<- result) {
	conn, err := c.Dialer.DialContext(ctx, "udp", c.Addr)
	if err != nil {
		out <- result{err: fmt.Errorf("dial udp upstream: %w", err)}
		return
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		out <- result{err: fmt.Errorf("write udp upstream: %w", err)}
		return
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		out <- result{err: fmt.Errorf("read udp upstream: %w", err)}
		return
	}
	msg, err := dnscodec.Parse(buf[:n])
	if err != nil {
		out <- result{err: err}
		return
	}
	out <- result{msg: msg}
}

func (c *Client) exchangeTCP(ctx context.Context, wire []byte, out chan<- result) {
	conn, err := c.Dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		out <- result{err: fmt.Errorf("dial tcp upstream: %w", err)}
		return
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(FrameMessage(wire)); err != nil {
		out <- result{err: fmt.Errorf("write tcp upstream: %w", err)}
		return
	}

	var fb FrameBuffer
	reader := bufio.NewReader(conn)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			for _, frame := range fb.Feed(chunk[:n]) {
				msg, perr := dnscodec.Parse(frame)
				if perr != nil {
					out <- result{err: perr}
					return
				}
				out <- result{msg: msg}
				return
			}
		}
		if err != nil {
			if fb.Pending() {
				c.logger.Debug("tcp upstream closed with partial frame buffered", "upstream", c.Addr)
			}
			out <- result{err: fmt.Errorf("read tcp upstream: %w", err)}
			return
		}
	}
}
