package dohstub

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/openresolve/doh-gateway/internal/dohcodec"
)

// fakeAddr is a minimal net.Addr for the fake ResponseWriter below.
type fakeAddr struct{ network, addr string }

func (a fakeAddr) Network() string { return a.network }
func (a fakeAddr) String() string  { return a.addr }

// fakeResponseWriter implements dns.ResponseWriter without any real socket,
// recording the message (if any) passed to WriteMsg.
type fakeResponseWriter struct {
	remote  net.Addr
	written *dns.Msg
}

func (w *fakeResponseWriter) LocalAddr() net.Addr  { return fakeAddr{"udp", "127.0.0.1:53"} }
func (w *fakeResponseWriter) RemoteAddr() net.Addr { return w.remote }
func (w *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	w.written = m
	return nil
}
func (w *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *fakeResponseWriter) Close() error                { return nil }
func (w *fakeResponseWriter) TsigStatus() error            { return nil }
func (w *fakeResponseWriter) TsigTimersOnly(bool)          {}
func (w *fakeResponseWriter) Hijack()                      {}

func TestServeDNSHappyPathWritesAnswer(t *testing.T) {
	srv, cfg := newH2TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		wire, err := dohcodec.B64Decode(r.URL.Query().Get("dns"))
		require.NoError(t, err)
		w.Header().Set("Content-Type", dohcodec.ContentType)
		_, _ = w.Write(packedAnswer(t, wire))
	})
	defer srv.Close()

	p := NewPipeline(cfg, nil)
	rw := &fakeResponseWriter{remote: fakeAddr{"udp", "10.0.0.1:9999"}}
	query := new(dns.Msg)
	query.SetQuestion("example.org.", dns.TypeAAAA)
	query.Id = 0x77

	p.ServeDNS(rw, query)

	require.NotNil(t, rw.written)
	require.Equal(t, uint16(0x77), rw.written.Id)
	require.Len(t, rw.written.Answer, 1)
}

func TestServeDNSUpstreamFailureDropsSilently(t *testing.T) {
	srv, cfg := newH2TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()
	cfg.RequestTimeout = 500 * time.Millisecond

	p := NewPipeline(cfg, nil)
	rw := &fakeResponseWriter{remote: fakeAddr{"udp", "10.0.0.1:9999"}}
	query := new(dns.Msg)
	query.SetQuestion("example.org.", dns.TypeA)
	query.Id = 0x88

	p.ServeDNS(rw, query)

	require.Nil(t, rw.written, "a failed upstream exchange must not produce a reply to origin")
}

func TestServersBuildsUDPAndTCP(t *testing.T) {
	p := NewPipeline(Config{UpstreamURL: "https://example.com/dns-query"}, nil)
	udp, tcp := p.Servers("127.0.0.1:0")
	require.Equal(t, "udp", udp.Net)
	require.Equal(t, "tcp", tcp.Net)
	require.Same(t, p, udp.Handler)
	require.Same(t, p, tcp.Handler)
}
