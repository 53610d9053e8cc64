// Package dohserver implements the DoH server pipeline: HTTP/2 request
// validation, DNS decode, upstream lookup, and response framing.
package dohserver

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/dohcodec"
	"github.com/openresolve/doh-gateway/internal/metrics"
	"github.com/openresolve/doh-gateway/internal/trustedproxy"
	"github.com/openresolve/doh-gateway/internal/upstream"
)

const (
	defaultEndpoint = "/dns-query"
	defaultTimeout  = 10 * time.Second
	maxBodySize     = 65535
	serverHeader    = "doh-gateway"
)

// Config holds the handler's per-instance policy.
type Config struct {
	// Endpoint is the path DoH requests must target. Defaults to /dns-query.
	Endpoint string
	// Timeout bounds the upstream lookup. Defaults to 10s.
	Timeout time.Duration
	// TrustedProxies lists peers allowed to set X-Forwarded-For. Empty
	// means any peer is trusted, per internal/trustedproxy.
	TrustedProxies []string
	// RateLimitRPS caps sustained requests per second from a single TCP
	// peer; non-positive (the default) disables limiting.
	RateLimitRPS float64
	// RateLimitBurst caps the burst size above RateLimitRPS. Defaults to 1
	// when RateLimitRPS is set and this is non-positive.
	RateLimitBurst int
	// Debug, when true, makes the 400 response for an undecodable DNS query
	// carry the codec's underlying error text instead of a generic message
	// (§4.D step 5).
	Debug bool
}

func (c Config) endpoint() string {
	if c.Endpoint == "" {
		return defaultEndpoint
	}
	return c.Endpoint
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// Handler is an http.Handler implementing the DoH server pipeline.
type Handler struct {
	cfg      Config
	upstream *upstream.Client
	logger   *slog.Logger
	limiter  *ipLimiter
}

// NewHandler builds a Handler that resolves accepted queries against client.
func NewHandler(cfg Config, client *upstream.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	burst := cfg.RateLimitBurst
	if cfg.RateLimitRPS > 0 && burst <= 0 {
		burst = 1
	}
	return &Handler{cfg: cfg, upstream: client, logger: logger, limiter: newIPLimiter(cfg.RateLimitRPS, burst)}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.RecordServerRequest(r.Method)
	if !h.limiter.allow(r.RemoteAddr) {
		h.respondText(w, http.StatusTooManyRequests, "Too Many Requests")
		return
	}
	clientIP := trustedproxy.ClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), h.cfg.TrustedProxies)

	var body []byte
	if r.Method == http.MethodPost {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		r.Body.Close()
		if err != nil {
			h.respondText(w, http.StatusBadRequest, "Malformed DNS query")
			return
		}
		body = b
	}

	result := classify(r.Method, r.URL.Path, r.Header.Get("Content-Type"), r.URL.Query(), body, h.cfg.endpoint(), h.cfg.Debug)
	if !result.accepted {
		h.logger.Debug("doh request rejected", "status", result.status, "reason", result.text, "client", clientIP)
		h.respondText(w, result.status, result.text)
		return
	}

	answer, err := h.upstream.Query(r.Context(), result.query, clientIP, h.cfg.timeout())
	if err != nil {
		h.logger.Warn("upstream query failed", "error", err, "client", clientIP)
	}
	if answer == nil {
		metrics.RecordUpstreamTimeout()
		metrics.ServerServfailSynthesizedTotal.Inc()
		answer = dnscodec.NewResponse(result.query)
		answer.SetRcode(dns.RcodeServerFailure)
	}

	wire, err := answer.Serialize()
	if err != nil {
		h.logger.Error("failed to serialize answer", "error", err, "client", clientIP)
		h.respondText(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.writeAnswer(w, r.Method, answer, wire)
}

func (h *Handler) writeAnswer(w http.ResponseWriter, method string, answer *dnscodec.Message, wire []byte) {
	header := w.Header()
	header.Set("Content-Type", dohcodec.ContentType)
	header.Set("Server", serverHeader)
	if ttl, ok := answer.MinAnswerTTL(); ok {
		header.Set("Cache-Control", fmt.Sprintf("max-age=%d", ttl))
		metrics.ServerCacheControlEmittedTotal.Inc()
	}

	if method == http.MethodHead {
		header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		metrics.RecordServerResponse("200")
		return
	}

	header.Set("Content-Length", strconv.Itoa(len(wire)))
	w.WriteHeader(http.StatusOK)
	metrics.RecordServerResponse("200")
	_, _ = w.Write(wire)
}

func (h *Handler) respondText(w http.ResponseWriter, status int, text string) {
	metrics.RecordServerResponse(strconv.Itoa(status))
	http.Error(w, text, status)
}
