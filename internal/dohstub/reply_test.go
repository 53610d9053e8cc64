package dohstub

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/dohcodec"
)

var testLogger = slog.New(slog.DiscardHandler)

func TestResolveZeroesWireIDAndRestoresOriginal(t *testing.T) {
	var sawUpstreamID uint16
	srv, cfg := newH2TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		wire, err := dohcodec.B64Decode(r.URL.Query().Get("dns"))
		require.NoError(t, err)
		q, err := dnscodec.Parse(wire)
		require.NoError(t, err)
		sawUpstreamID = q.ID()
		w.Header().Set("Content-Type", dohcodec.ContentType)
		_, _ = w.Write(packedAnswer(t, wire))
	})
	defer srv.Close()

	cell := newSessionCell(cfg, nil)
	q, err := dnscodec.Parse(wireQuery(t, 0xBEEF))
	require.NoError(t, err)

	answer, err := resolve(context.Background(), cell, cfg, q, testLogger)
	require.NoError(t, err)
	require.Equal(t, uint16(0), sawUpstreamID)
	require.Equal(t, uint16(0xBEEF), answer.ID())
	require.Equal(t, uint16(0xBEEF), q.ID(), "caller's query id must be restored, not left zeroed")
}

func TestResolvePropagatesUpstreamError(t *testing.T) {
	srv, cfg := newH2TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	cell := newSessionCell(cfg, nil)
	q, err := dnscodec.Parse(wireQuery(t, 1))
	require.NoError(t, err)

	_, err = resolve(context.Background(), cell, cfg, q, testLogger)
	require.Error(t, err)
}

func TestDeliverTrueForLiveContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.True(t, deliver(ctx))
}

func TestDeliverFalseForCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, deliver(ctx))
}

func TestDeliverFalseForExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	require.False(t, deliver(ctx))
}
