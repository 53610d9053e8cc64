package tlsconfig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	keyDER := x509.MarshalPKCS1PrivateKey(priv)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t, t.TempDir())

	cfg, err := Server(certFile, keyFile, "")
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Equal(t, []string{"h2"}, cfg.NextProtos)
	require.NotEmpty(t, cfg.CipherSuites)
	require.Len(t, cfg.Certificates, 1)
}

func TestServerConfigMissingCert(t *testing.T) {
	_, err := Server("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	require.Error(t, err)
}

func TestServerConfigUnknownCipherSpec(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t, t.TempDir())
	_, err := Server(certFile, keyFile, "NOT+A+REAL+CIPHER")
	require.Error(t, err)
}

func TestClientConfigDefaults(t *testing.T) {
	cfg, err := Client(false, "")
	require.NoError(t, err)
	require.False(t, cfg.InsecureSkipVerify)
	require.Nil(t, cfg.RootCAs)
	require.Equal(t, []string{"h2"}, cfg.NextProtos)
}

func TestClientConfigInsecure(t *testing.T) {
	cfg, err := Client(true, "")
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
}

func TestClientConfigCustomCA(t *testing.T) {
	certFile, _ := writeSelfSignedCert(t, t.TempDir())
	cfg, err := Client(false, certFile)
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
}

func TestClientConfigBadCAFile(t *testing.T) {
	_, err := Client(false, "/nonexistent/ca.pem")
	require.Error(t, err)
}

func TestCipherSuitesMatchingDefault(t *testing.T) {
	suites, err := cipherSuitesMatching(DefaultCiphers)
	require.NoError(t, err)
	require.NotEmpty(t, suites, "the OpenSSL-style default %q must translate to at least one Go suite", DefaultCiphers)
	for _, id := range suites {
		found := false
		for _, s := range tls.CipherSuites() {
			if s.ID == id {
				found = true
				break
			}
		}
		require.True(t, found)
	}
}

func TestCipherSuitesMatchingTranslatesOpenSSLGCMToken(t *testing.T) {
	suites, err := cipherSuitesMatching("ECDHE+AESGCM")
	require.NoError(t, err)
	for _, id := range suites {
		var name string
		for _, s := range tls.CipherSuites() {
			if s.ID == id {
				name = s.Name
			}
		}
		require.Contains(t, name, "ECDHE")
		require.Contains(t, name, "GCM")
	}
}
