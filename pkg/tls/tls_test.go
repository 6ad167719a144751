package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCertGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "server.crt")
	keyFile := filepath.Join(dir, "certs", "server.key")

	created, err := EnsureCert(certFile, keyFile, "yolotrain", "10.1.2.3", "train.internal")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureCert(certFile, keyFile, "yolotrain")
	require.NoError(t, err)
	assert.False(t, created)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "train.internal")
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.NoError(t, cert.VerifyHostname("10.1.2.3"))
}

func TestLoadConfigs(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "yolotrain"))

	server, err := LoadServerConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, server.Certificates, 1)

	client, err := LoadClientConfig(certFile, false)
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)

	_, err = LoadClientConfig(filepath.Join(dir, "missing.pem"), false)
	assert.Error(t, err)
	_, err = LoadServerConfig(filepath.Join(dir, "missing.crt"), keyFile)
	assert.Error(t, err)
}
