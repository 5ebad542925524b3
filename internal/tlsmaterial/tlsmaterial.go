// Package tlsmaterial decodes the PEM-encoded certificate chain, RSA
// private key, and optional client trust roots carried on the wire (either
// in a config file or a control-channel RawConfig) into a ready-to-use
// server tls.Config. The parsing and validation here is adapted from the
// certificate-handling helpers used elsewhere in this codebase for node
// certificates: PEM decode, x509 parse, leaf population, expiry check.
package tlsmaterial

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/cuemby/tproxy/internal/errs"
)

// rotationWarningWindow is how far ahead of a leaf certificate's expiry
// NeedsRotation starts reporting it, so an operator
// has time to push a reload with fresh material before TLS termination
// starts failing handshakes.
const rotationWarningWindow = 30 * 24 * time.Hour

// Material is the decoded form of the wire TLSMaterial: a server
// certificate chain, its RSA private key, and an optional pool of client
// trust roots for mutual TLS.
type Material struct {
	CertPEM       []byte
	KeyPEM        []byte
	ClientCAsPEM  []byte
	RequireClient bool
}

// BuildServerConfig parses m into a *tls.Config suitable for
// tls.Server/tls.NewListener. When m.ClientCAsPEM is non-empty, client
// certificates are verified against it; RequireClient additionally demands
// one be presented.
func BuildServerConfig(m Material) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse server keypair: %w", errs.Config, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("%w: parse server leaf certificate: %w", errs.Config, err)
		}
		cert.Leaf = leaf
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}

	if len(m.ClientCAsPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.ClientCAsPEM) {
			return nil, fmt.Errorf("%w: no usable certificates in client trust roots", errs.Config)
		}
		cfg.ClientCAs = pool
		if m.RequireClient {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return cfg, nil
}

// DecodePEMBlocks validates that raw contains at least one well-formed PEM
// block, the shape every one of CertPEM/KeyPEM/ClientCAsPEM is expected to
// have on the wire (base64 happens a layer up, in config.Translate).
func DecodePEMBlocks(raw []byte) error {
	rest := raw
	count := 0
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("%w: no PEM blocks found", errs.Config)
	}
	return nil
}

// NeedsRotation reports whether cfg's leaf certificate expires within
// rotationWarningWindow of now.
func NeedsRotation(cfg *tls.Config) bool {
	if len(cfg.Certificates) == 0 || cfg.Certificates[0].Leaf == nil {
		return false
	}
	return time.Until(cfg.Certificates[0].Leaf.NotAfter) < rotationWarningWindow
}
