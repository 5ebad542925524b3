package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/tproxy/internal/config"
	"github.com/cuemby/tproxy/internal/control"
	"github.com/cuemby/tproxy/internal/fabric"
	"github.com/cuemby/tproxy/internal/fabric/checkpoint"
	"github.com/cuemby/tproxy/internal/supervisor"
	"github.com/cuemby/tproxy/internal/taskctl"
	"github.com/cuemby/tproxy/pkg/log"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// runController is the host-netns half of the process: it builds the
// fabric/supervisor stack, loads the optional config file, serves the
// interactive control endpoint when requested, and blocks until SIGINT or
// SIGTERM (spec §2, §6).
func runController(ctx context.Context, configPath string) error {
	logger := log.Logger.With().Str("role", "controller").Logger()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	runTmp, err := os.MkdirTemp("", "tproxy-")
	if err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	defer os.RemoveAll(runTmp)

	netInfo, err := detectNetwork(ctx, flagInterfaceOpt)
	if err != nil {
		return err
	}

	dataDir := os.Getenv("TPROXY_DATA_DIR")
	if dataDir == "" {
		dataDir = runTmp
	}
	store, err := checkpoint.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := fabric.ExecRunner{Logger: logger}
	sup := supervisor.New(self, runTmp, runner, store, netInfo, logger)

	go serveMetrics(logger)

	if configPath != "" {
		raw, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		if err := sup.Start(ctx, raw); err != nil {
			return err
		}
	}

	if flagInteractive {
		if flagControlSock == "" {
			return fmt.Errorf("--interactive requires --control-socket")
		}
		srv := control.New(flagControlSock, sup, logger)
		runCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return srv.Serve(gctx) })
		g.Go(func() error {
			taskctl.WaitForSignal(gctx)
			cancel()
			return nil
		})
		if err := g.Wait(); err != nil {
			logger.Error().Err(err).Msg("control server exited")
		}
		cancel()
	} else {
		taskctl.WaitForSignal(ctx)
	}

	sup.Stop(ctx)
	return nil
}

// serveMetrics exposes Prometheus metrics and health endpoints on a
// loopback-only listener, never on the ports the data-plane intercepts
// (pkg/metrics doc: "served over a loopback-only HTTP handler, never over
// the data plane's intercepted listeners").
func serveMetrics(logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe("127.0.0.1:9090", mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server exited")
	}
}
