package dohstub

import (
	"context"
	"log/slog"

	"github.com/miekg/dns"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/metrics"
)

// Pipeline is the DoH client-side stub: it listens for classical DNS
// queries on UDP and TCP and forwards each one to a configured DoH
// upstream, translating the answer back to the origin.
type Pipeline struct {
	cfg    Config
	cell   *sessionCell
	logger *slog.Logger
}

// NewPipeline builds a Pipeline. logger may be nil.
func NewPipeline(cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{cfg: cfg, cell: newSessionCell(cfg, logger), logger: logger}
}

// Servers builds the UDP and TCP *dns.Server listeners for addr
// ("host:port"); both share this Pipeline as their dns.Handler.
func (p *Pipeline) Servers(addr string) (udp, tcp *dns.Server) {
	udp = &dns.Server{Addr: addr, Net: "udp", Handler: p}
	tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: p}
	return udp, tcp
}

// ServeDNS implements dns.Handler. Each call runs as an independent
// suspendible task bounded by the pipeline's request timeout; a late
// answer arriving after that deadline is dropped rather than written back,
// per the cancellation invariant (origin will retransmit on UDP, or time
// out on TCP and reconnect).
func (p *Pipeline) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	metrics.RecordStubIngress(w.RemoteAddr().Network())

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.requestTimeout())
	defer cancel()

	query := dnscodec.FromMsg(r)
	answer, err := resolve(ctx, p.cell, p.cfg, query, p.logger)
	if err != nil || answer == nil {
		p.logger.Debug("stub query dropped", "client", w.RemoteAddr(), "error", err)
		return
	}

	if !deliver(ctx) {
		metrics.StubLateResponsesDroppedTotal.Inc()
		p.logger.Debug("stub late answer dropped after cancellation", "client", w.RemoteAddr())
		return
	}

	if err := w.WriteMsg(answer.Msg()); err != nil {
		p.logger.Debug("stub failed to write answer to origin", "client", w.RemoteAddr(), "error", err)
	}
}
