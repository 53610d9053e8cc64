package dohserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openresolve/doh-gateway/internal/dohcodec"
)

func TestIPLimiterDisabledByDefault(t *testing.T) {
	l := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.allow("1.2.3.4:5555"))
	}
}

func TestIPLimiterEnforcesBurstPerPeer(t *testing.T) {
	l := newIPLimiter(1, 1)
	require.True(t, l.allow("1.2.3.4:5555"))
	require.False(t, l.allow("1.2.3.4:5555"))
}

func TestIPLimiterTracksPeersIndependently(t *testing.T) {
	l := newIPLimiter(1, 1)
	require.True(t, l.allow("1.2.3.4:1"))
	require.True(t, l.allow("5.6.7.8:1"))
	require.False(t, l.allow("1.2.3.4:2"))
}

func TestIPLimiterNilReceiverAllowsEverything(t *testing.T) {
	var l *ipLimiter
	require.True(t, l.allow("1.2.3.4:1"))
}

func TestHandlerRespondsTooManyRequestsWhenLimited(t *testing.T) {
	h := newTestHandler(t, "127.0.0.1:1", Config{RateLimitRPS: 1, RateLimitBurst: 1, Timeout: 20 * time.Millisecond})
	wire := testQueryWire(t, 1)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+dohcodec.B64Encode(wire), nil)
		req.RemoteAddr = "9.9.9.9:1111"
		return req
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	require.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, newReq())
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
