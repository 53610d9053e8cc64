package dohstub

import (
	"context"
	"log/slog"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
)

// resolve forwards query to the upstream DoH server and returns its answer
// with the original transaction id restored. The wire id sent upstream is
// always zero, per the request-composition contract (step 1 of 4.E); the
// caller never observes that rewrite since the id on query is restored
// before resolve returns, win or lose.
func resolve(ctx context.Context, cell *sessionCell, cfg Config, query *dnscodec.Message, logger *slog.Logger) (*dnscodec.Message, error) {
	originID := query.ID()
	query.SetID(0)
	wire, err := query.Serialize()
	query.SetID(originID)
	if err != nil {
		return nil, err
	}

	answer, err := exchange(ctx, cell, cfg, wire)
	if err != nil {
		logger.Debug("doh upstream exchange failed", "upstream", cfg.UpstreamURL, "error", err)
		return nil, err
	}
	answer.SetID(originID)
	return answer, nil
}

// deliver reports whether an answer obtained for a query started under ctx
// may still be delivered to the origin. A cancelled context means the
// ingress side's slot was already torn down (origin gave up, or the
// listener is shutting down); a late arrival on a cancelled slot is dropped
// rather than written, per the cancellation invariant.
func deliver(ctx context.Context) bool {
	return ctx.Err() == nil
}
