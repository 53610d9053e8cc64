// Package tlsconfig builds the *tls.Config shared by the DoH server
// pipeline and the stub's upstream HTTP/2 client: ALPN h2, TLS 1.2+ only,
// and, on the server side, a restricted cipher-suite list.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// DefaultCiphers matches suites whose Go name contains both "ECDHE" and
// "GCM" -- the same restricted-suite idea as bassosimone-dnsoverstream's
// DNS-over-TLS config, generalized into a name-substring filter since
// crypto/tls has no "cipher string" parser of its own.
const DefaultCiphers = "ECDHE+AESGCM"

// Server builds the TLS config for the DoH server's HTTP/2 listener.
// ciphers selects a restricted suite list via cipherSuitesMatching; an
// empty string falls back to DefaultCiphers.
func Server(certFile, keyFile, ciphers string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	if ciphers == "" {
		ciphers = DefaultCiphers
	}
	suites, err := cipherSuitesMatching(ciphers)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
		NextProtos:   []string{"h2"},
	}, nil
}

// Client builds the TLS config for the stub's outbound DoH connection.
// insecure disables server certificate verification; caFile, when set, adds
// its certificates to the system root pool.
func Client(insecure bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"h2"},
		InsecureSkipVerify: insecure,
	}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, perr := x509.SystemCertPool()
	if perr != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// opensslTokenAliases translates OpenSSL cipher-string tokens (the spec
// string's own vocabulary, carried over from original_source/dohproxy's
// "ECDHE+AESGCM") into substrings that actually appear in Go's
// tls.CipherSuites() names -- e.g. OpenSSL spells the GCM suites "AESGCM",
// Go spells them "AES_128_GCM"/"AES_256_GCM".
var opensslTokenAliases = map[string]string{
	"AESGCM": "GCM",
}

// cipherSuitesMatching parses a "+"-joined list of substrings (e.g.
// "ECDHE+AESGCM") and returns every suite from tls.CipherSuites() whose
// name contains all of them, translated via opensslTokenAliases. TLS 1.3
// suites stay enabled regardless of this list, since tls.Config.CipherSuites
// only constrains the TLS 1.2 negotiation.
func cipherSuitesMatching(spec string) ([]uint16, error) {
	parts := strings.Split(spec, "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if alias, ok := opensslTokenAliases[p]; ok {
			p = alias
		}
		parts[i] = p
	}
	var out []uint16
	for _, suite := range tls.CipherSuites() {
		if matchesAll(suite.Name, parts) {
			out = append(out, suite.ID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cipher spec %q matched no known suite", spec)
	}
	return out, nil
}

func matchesAll(name string, parts []string) bool {
	for _, p := range parts {
		if !strings.Contains(name, p) {
			return false
		}
	}
	return true
}
