package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/tproxy/internal/config"
	"github.com/cuemby/tproxy/internal/control"
	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/httpdriver"
	"github.com/cuemby/tproxy/internal/ipc"
	"github.com/cuemby/tproxy/internal/service"
	"github.com/cuemby/tproxy/internal/socket"
	"github.com/cuemby/tproxy/internal/taskctl"
	"github.com/cuemby/tproxy/internal/tcplisten"
	"github.com/cuemby/tproxy/internal/tlsterm"
	"github.com/cuemby/tproxy/pkg/log"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// proxyFwmark is the mark applied to every outbound socket the data-plane
// opens, matching the `MARK --set-mark 1` the fabric's DIVERT chain applies
// to already-owned connections so return traffic is routed straight back
// out instead of looping through TPROXY again (spec §6 iptables rules).
const proxyFwmark = 1

// runDataPlane is the netns-confined half of the process: it receives its
// initial config over the IPC handoff, opens the transparent listener, and
// serves both HTTP exchanges and hot reloads until signalled to stop
// (spec §2, §4.2, §4.3, §4.7).
func runDataPlane(ctx context.Context) error {
	logger := log.Logger.With().Str("role", "dataplane").Logger()

	if flagIPCPath == "" {
		return fmt.Errorf("%w: --proxy requires --ipc-path", errs.Internal)
	}

	var raw config.RawConfig
	if err := ipc.Receive(ctx, flagIPCPath, &raw); err != nil {
		return err
	}
	rt, err := config.Translate(raw)
	if err != nil {
		return err
	}

	svc := service.New(proxyFwmark, logger)
	svc.SetRules(rt.Rules)

	var tlsConfig *tls.Config
	if rt.TLS != nil {
		tlsConfig, err = tlsterm.LoadTLSConfig(*rt.TLS)
		if err != nil {
			return err
		}
	}

	ln, err := socket.ListenTransparent(&net.TCPAddr{Port: int(rt.ListenPort)})
	if err != nil {
		return err
	}
	defer ln.Close()

	listenerKind := "plain"
	if tlsConfig != nil {
		listenerKind = "tls"
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return tcplisten.Serve(gctx, ln, logger, func(ctx context.Context, conn *net.TCPConn) {
			metrics.ConnectionsTotal.WithLabelValues(listenerKind).Inc()
			metrics.ConnectionsActive.WithLabelValues(listenerKind).Inc()
			defer metrics.ConnectionsActive.WithLabelValues(listenerKind).Dec()

			if tlsConfig != nil {
				tlsterm.HandleConn(ctx, conn, tlsConfig, nil, svc.Handle, logger)
				return
			}
			defer conn.Close()
			if err := httpdriver.Drive(ctx, conn, proxyFwmark, svc.Handle, logger); err != nil {
				logger.Debug().Err(err).Msg("connection ended")
			}
		})
	})

	if flagControlPath != "" {
		srv := control.New(flagControlPath, &dataPlaneReloader{svc: svc}, logger)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	g.Go(func() error {
		taskctl.WaitForSignal(gctx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("data-plane exited")
	}
	return nil
}

// dataPlaneReloader adapts control.Reloader to the data-plane's Service:
// each reload independently translates raw (spec §4.10: the free-port scan
// in C13 is deterministic, so the listen port this process already bound
// stays correct as long as proxy_ports didn't change, which is the only
// case the supervisor ever forwards down to a live child).
type dataPlaneReloader struct {
	svc *service.Service
}

func (r *dataPlaneReloader) Reload(ctx context.Context, raw config.RawConfig) error {
	rt, err := config.Translate(raw)
	if err != nil {
		return err
	}
	r.svc.SetRules(rt.Rules)
	return nil
}
