// Package service wires the rule engine around an outbound HTTP client: it
// runs matching request rules, forwards to the original destination, runs
// matching response rules, and hands the result back to the connection
// driver.
package service

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/rules"
	"github.com/cuemby/tproxy/internal/socket"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// Service handles one decoded request end to end. It is safe for
// concurrent use; Rules can be swapped atomically via SetRules so a control
// channel reload never races an in-flight request.
type Service struct {
	mark   int
	logger zerolog.Logger
	rules  atomic.Pointer[rules.RuleSet]
}

// New builds a Service that marks its outbound sockets with mark so the
// fabric's policy routing can steer return traffic without re-entering
// TPROXY.
func New(mark int, logger zerolog.Logger) *Service {
	s := &Service{mark: mark, logger: logger}
	empty := rules.RuleSet{}
	s.rules.Store(&empty)
	return s
}

// SetRules atomically replaces the active rule set.
func (s *Service) SetRules(rs rules.RuleSet) {
	s.rules.Store(&rs)
}

// Handle implements httpdriver.Handler.
func (s *Service) Handle(ctx context.Context, port uint16, req *http.Request) (*http.Response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RequestDuration)

	rs := *s.rules.Load()

	reqCtx := rules.RequestContext{
		Port:    port,
		Path:    req.URL.Path,
		Method:  req.Method,
		Headers: req.Header.Clone(),
	}

	for _, rule := range rs.RequestRules() {
		if !rules.SelectRequest(port, req, rule.Selector) {
			continue
		}
		if err := rules.ApplyRequestActions(req, rule.Actions); err != nil {
			if err == errs.Abort {
				metrics.RequestsTotal.WithLabelValues("aborted").Inc()
				return nil, err
			}
			return nil, fmt.Errorf("%w: request rule: %w", errs.Internal, err)
		}
	}

	resp, err := s.forward(ctx, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
		return nil, err
	}

	for _, rule := range rs.ResponseRules() {
		if !rules.SelectResponse(reqCtx, resp, rule.Selector) {
			continue
		}
		if err := rules.ApplyResponseActions(resp, rule.Actions); err != nil {
			if err == errs.Abort {
				metrics.RequestsTotal.WithLabelValues("aborted").Inc()
				return nil, err
			}
			return nil, fmt.Errorf("%w: response rule: %w", errs.Internal, err)
		}
	}

	metrics.RequestsTotal.WithLabelValues("forwarded").Inc()
	return resp, nil
}

// forward dials the connection's original destination — captured by TPROXY
// at accept time, not re-derived from the (possibly rule-rewritten) Host
// header — and replays the request, returning the raw response for the rule
// engine to post-process. The authority used for the request line falls
// back to the original destination's own address when the Host header was
// stripped by a replace action (spec §4.5 forwarding URI reconstruction).
func (s *Service) forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	addr := origDestFromContext(ctx)
	if addr == nil {
		return nil, fmt.Errorf("%w: no original destination on context", errs.Internal)
	}

	conn, err := socket.DialTransparent(ctx, addr, socket.DialOpts{LocalAddr: localAddrFromContext(ctx), Mark: s.mark})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var upstream net.Conn = conn
	if roots, ok := upstreamTLSFromContext(ctx); ok {
		sni := req.Host
		if sni == "" {
			sni = addr.IP.String()
		} else if host, _, splitErr := net.SplitHostPort(sni); splitErr == nil {
			sni = host
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: sni, RootCAs: roots})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: upstream tls handshake: %w", errs.Upstream, err)
		}
		upstream = tlsConn
	}

	outbound := req.Clone(ctx)
	if outbound.Host == "" {
		outbound.Host = addr.String()
	}
	outbound.URL.Scheme = ""
	outbound.URL.Host = ""
	outbound.RequestURI = ""

	if err := outbound.Write(upstream); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write upstream request: %w", errs.Upstream, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		return nil, fmt.Errorf("%w: read upstream response: %w", errs.Upstream, err)
	}
	return resp, nil
}

type ctxLocalAddrKey struct{}
type ctxOrigDestKey struct{}
type ctxUpstreamTLSKey struct{}

// WithLocalAddr attaches the original client address to ctx so forward can
// bind the outbound socket to it, preserving the transparent source address
// across the rule engine's rewrite of req.URL.
func WithLocalAddr(ctx context.Context, addr *net.TCPAddr) context.Context {
	return context.WithValue(ctx, ctxLocalAddrKey{}, addr)
}

// WithOriginalDest attaches the connection's TPROXY-captured destination
// address to ctx; forward dials this address regardless of what the rule
// engine does to the request's Host header or URL.
func WithOriginalDest(ctx context.Context, addr *net.TCPAddr) context.Context {
	return context.WithValue(ctx, ctxOrigDestKey{}, addr)
}

func localAddrFromContext(ctx context.Context) *net.TCPAddr {
	addr, _ := ctx.Value(ctxLocalAddrKey{}).(*net.TCPAddr)
	return addr
}

func origDestFromContext(ctx context.Context) *net.TCPAddr {
	addr, _ := ctx.Value(ctxOrigDestKey{}).(*net.TCPAddr)
	return addr
}

// WithUpstreamTLS marks ctx so forward reconnects to the upstream over TLS
// instead of plaintext, SNI-negotiating to the request's Host header (spec
// §4.6: HTTPS termination reconnects upstream over TLS). roots may be nil,
// in which case the system root store is used.
func WithUpstreamTLS(ctx context.Context, roots *x509.CertPool) context.Context {
	return context.WithValue(ctx, ctxUpstreamTLSKey{}, upstreamTLS{roots: roots, enabled: true})
}

type upstreamTLS struct {
	roots   *x509.CertPool
	enabled bool
}

func upstreamTLSFromContext(ctx context.Context) (*x509.CertPool, bool) {
	v, ok := ctx.Value(ctxUpstreamTLSKey{}).(upstreamTLS)
	if !ok || !v.enabled {
		return nil, false
	}
	return v.roots, true
}
