// Package tlsterm terminates inbound TLS on the HTTPS listener port and
// feeds the decrypted HTTP/1.1 stream through the same handler the plain
// HTTP listener uses, so chaos rules apply identically whether the
// original connection was plaintext or TLS.
package tlsterm

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/httpdriver"
	"github.com/cuemby/tproxy/internal/service"
	"github.com/cuemby/tproxy/internal/tlsmaterial"
)

// LoadTLSConfig builds the server tls.Config from decoded TLSMaterial.
// SNI-based selection of different certificates per upstream is left to a
// future per-host material map; today every HTTPS port shares one
// certificate.
func LoadTLSConfig(mat tlsmaterial.Material) (*tls.Config, error) {
	return tlsmaterial.BuildServerConfig(mat)
}

// HandleConn performs the TLS handshake over conn and, on success, drives
// the decrypted stream through handle exactly like the plain HTTP listener.
// Because the inbound side was encrypted, the outbound forward for this
// connection also reconnects to the upstream over TLS (spec §4.6), SNI-ing
// to the Host header the decrypted request carries; upstreamRoots is nil to
// use the system root store.
func HandleConn(ctx context.Context, conn *net.TCPConn, tlsConfig *tls.Config, upstreamRoots *x509.CertPool, handle httpdriver.Handler, logger zerolog.Logger) {
	defer conn.Close()

	origDst, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		logger.Error().Msg("tls connection has no TCP local address")
		return
	}
	clientAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	ctx = service.WithOriginalDest(ctx, origDst)
	ctx = service.WithLocalAddr(ctx, clientAddr)
	ctx = service.WithUpstreamTLS(ctx, upstreamRoots)

	tlsConn := tls.Server(conn, tlsConfig)
	defer tlsConn.Close()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logger.Debug().Err(err).Msg("tls handshake failed")
		return
	}

	br := bufio.NewReader(tlsConn)
	if err := httpdriver.DriveStream(ctx, br, tlsConn, uint16(origDst.Port), handle, logger); err != nil {
		logger.Debug().Err(err).Msg("https stream ended")
	}
}
