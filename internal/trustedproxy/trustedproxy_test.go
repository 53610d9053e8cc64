package trustedproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIPUntrustedPeerIgnoresHeader(t *testing.T) {
	got := ClientIP("8.8.8.8:54321", "9.9.9.9", []string{"127.0.0.1"})
	require.Equal(t, "8.8.8.8", got)
}

func TestClientIPTrustedPeerUsesHeader(t *testing.T) {
	got := ClientIP("127.0.0.1:54321", "9.9.9.9", []string{"127.0.0.1"})
	require.Equal(t, "9.9.9.9", got)
}

func TestClientIPTrustedPeerNoHeader(t *testing.T) {
	got := ClientIP("127.0.0.1:54321", "", []string{"127.0.0.1"})
	require.Equal(t, "127.0.0.1", got)
}

func TestClientIPTrustedPeerMultiHopTakesLast(t *testing.T) {
	got := ClientIP("127.0.0.1:54321", "203.0.113.5, 10.0.0.2, 9.9.9.9", []string{"127.0.0.1"})
	require.Equal(t, "9.9.9.9", got)
}

func TestClientIPEmptyTrustListAcceptsAnyPeer(t *testing.T) {
	got := ClientIP("8.8.8.8:54321", "9.9.9.9", nil)
	require.Equal(t, "9.9.9.9", got)
}

func TestClientIPRemoteAddrWithoutPort(t *testing.T) {
	got := ClientIP("127.0.0.1", "9.9.9.9", []string{"127.0.0.1"})
	require.Equal(t, "9.9.9.9", got)
}

func TestClientIPWhitespaceInForwardedFor(t *testing.T) {
	got := ClientIP("127.0.0.1:1", "1.2.3.4,  9.9.9.9  ", []string{"127.0.0.1"})
	require.Equal(t, "9.9.9.9", got)
}

func TestClientIPSpecScenario(t *testing.T) {
	require.Equal(t, "9.9.9.9", ClientIP("127.0.0.1:1", "9.9.9.9", []string{"127.0.0.1"}))
	require.Equal(t, "8.8.8.8", ClientIP("8.8.8.8:1", "9.9.9.9", []string{"127.0.0.1"}))
}
