package tlsmaterial

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genCert returns a self-signed leaf certificate and its PEM-encoded
// cert/key, expiring notAfter from now.
func genCert(t *testing.T, cn string, notAfter time.Duration) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(notAfter),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestBuildServerConfigValidKeypair(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 365*24*time.Hour)

	cfg, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.Certificates[0].Leaf)
	assert.Equal(t, "proxy.local", cfg.Certificates[0].Leaf.Subject.CommonName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
	assert.Nil(t, cfg.ClientCAs)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestBuildServerConfigWithClientCAsVerifyIfGiven(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 365*24*time.Hour)
	caPEM, _ := genCert(t, "client-ca", 365*24*time.Hour)

	cfg, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM, ClientCAsPEM: caPEM})
	require.NoError(t, err)
	require.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
}

func TestBuildServerConfigRequireClientCert(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 365*24*time.Hour)
	caPEM, _ := genCert(t, "client-ca", 365*24*time.Hour)

	cfg, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM, ClientCAsPEM: caPEM, RequireClient: true})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
}

func TestBuildServerConfigInvalidKeypair(t *testing.T) {
	_, err := BuildServerConfig(Material{CertPEM: []byte("not a cert"), KeyPEM: []byte("not a key")})
	assert.Error(t, err)
}

func TestBuildServerConfigInvalidClientCAs(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 365*24*time.Hour)
	_, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM, ClientCAsPEM: []byte("garbage")})
	assert.Error(t, err)
}

func TestDecodePEMBlocksValid(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", time.Hour)
	assert.NoError(t, DecodePEMBlocks(certPEM))
	assert.NoError(t, DecodePEMBlocks(keyPEM))
	assert.NoError(t, DecodePEMBlocks(append(append([]byte{}, certPEM...), keyPEM...)))
}

func TestDecodePEMBlocksEmpty(t *testing.T) {
	assert.Error(t, DecodePEMBlocks([]byte("not pem at all")))
	assert.Error(t, DecodePEMBlocks(nil))
}

func TestNeedsRotationSoonExpiring(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 24*time.Hour)
	cfg, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM})
	require.NoError(t, err)
	assert.True(t, NeedsRotation(cfg))
}

func TestNeedsRotationFarFuture(t *testing.T) {
	certPEM, keyPEM := genCert(t, "proxy.local", 365*24*time.Hour)
	cfg, err := BuildServerConfig(Material{CertPEM: certPEM, KeyPEM: keyPEM})
	require.NoError(t, err)
	assert.False(t, NeedsRotation(cfg))
}

func TestNeedsRotationNoCertificates(t *testing.T) {
	assert.False(t, NeedsRotation(&tls.Config{}))
}
