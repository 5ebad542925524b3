// Package supervisor owns the data-plane child process: spawning it inside
// the fabric's network namespace, handing it its initial configuration over
// the one-shot IPC socket, and orchestrating reload — either a live push
// over the control channel when the proxied port set hasn't changed, or a
// full stop/teardown/setup/respawn when it has (spec §4.10).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/config"
	"github.com/cuemby/tproxy/internal/control"
	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/fabric"
	"github.com/cuemby/tproxy/internal/fabric/checkpoint"
	"github.com/cuemby/tproxy/internal/ipc"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// NetworkInfo carries the host-network facts the fabric needs to wire a
// session that the supervisor cannot derive from RawConfig alone.
type NetworkInfo struct {
	Device     string
	HostIPCIDR string
	GatewayIP  string
	GatewayMAC string
}

// Supervisor holds exactly one live data-plane child at a time, matching
// the spec §3 invariant "exactly one data-plane child is alive at any time
// under a given controller."
type Supervisor struct {
	selfPath string
	runTmp   string
	runner   fabric.Runner
	store    *checkpoint.Store
	netInfo  NetworkInfo
	logger   zerolog.Logger

	mu          sync.Mutex
	session     *fabric.Session
	cmd         *exec.Cmd
	controlPath string
	proxyPorts  []uint16
}

// New builds a Supervisor. runTmp is the directory used for this
// controller's UDS socket files (control + ipc).
func New(selfPath, runTmp string, runner fabric.Runner, store *checkpoint.Store, netInfo NetworkInfo, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		selfPath: selfPath,
		runTmp:   runTmp,
		runner:   runner,
		store:    store,
		netInfo:  netInfo,
		logger:   logger,
	}
}

// Start brings up a fresh fabric session and spawns the data-plane child
// inside it, delivering raw as its initial configuration.
func (s *Supervisor) Start(ctx context.Context, raw config.RawConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, raw)
}

func (s *Supervisor) startLocked(ctx context.Context, raw config.RawConfig) error {
	rt, err := config.Translate(raw)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	sess, err := fabric.NewSession(ctx, s.netInfo.Device, s.netInfo.HostIPCIDR)
	if err != nil {
		metrics.SetFabricHealth(false, err.Error())
		return err
	}
	if err := sess.Setup(ctx, s.runner, s.netInfo.GatewayIP, s.netInfo.GatewayMAC, raw.ProxyPorts, rt.ListenPort, raw.SafeMode); err != nil {
		metrics.SetFabricHealth(false, err.Error())
		return err
	}
	timer.ObserveDuration(metrics.FabricSetupDuration)
	metrics.SetFabricHealth(true, "")

	if s.store != nil {
		_ = s.store.Save(checkpoint.Record{
			SessionID:  sess.ID,
			Namespace:  sess.Env.Namespace,
			Device:     sess.Env.Device,
			IP:         sess.Env.IP,
			ProxyPorts: raw.ProxyPorts,
			PID:        os.Getpid(),
		})
	}

	controlPath := filepath.Join(s.runTmp, "control-"+uuid.NewString()+".sock")
	ipcPath := filepath.Join(s.runTmp, "ipc-"+uuid.NewString()+".sock")

	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", sess.Env.Namespace,
		s.selfPath, "--proxy", "--ipc-path="+ipcPath, "--control-path="+controlPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		sess.Teardown(ctx, s.runner, s.logger)
		metrics.SetFabricHealth(false, "torn down after child spawn failure")
		metrics.SetDataPlaneHealth(false, err.Error())
		return fmt.Errorf("%w: spawn data-plane child: %w", errs.Fabric, err)
	}

	if err := ipc.Serve(ctx, ipcPath, rawPayload(raw)); err != nil {
		_ = cmd.Process.Kill()
		sess.Teardown(ctx, s.runner, s.logger)
		metrics.SetFabricHealth(false, "torn down after ipc handoff failure")
		metrics.SetDataPlaneHealth(false, err.Error())
		return fmt.Errorf("%w: ipc handoff to child: %w", errs.Fabric, err)
	}

	s.session = sess
	s.cmd = cmd
	s.controlPath = controlPath
	s.proxyPorts = raw.ProxyPorts
	metrics.FabricSessionsActive.Inc()
	metrics.SetDataPlaneHealth(true, "")
	return nil
}

// rawPayload is the exact shape transferred over the one-shot IPC socket:
// the raw wire config, which the child translates itself via
// config.Translate so the deterministic free-port scan in C13 picks the
// same listen port the controller already used for its TPROXY rule.
func rawPayload(raw config.RawConfig) config.RawConfig { return raw }

// Reload applies a new configuration to the running child. If the proxied
// port set is unchanged, the new rules are pushed live over the control
// channel; otherwise the child is stopped, the fabric is rebuilt, and a new
// child is spawned (spec §4.10).
func (s *Supervisor) Reload(ctx context.Context, raw config.RawConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return s.startLocked(ctx, raw)
	}

	if samePorts(s.proxyPorts, raw.ProxyPorts) {
		if err := control.Push(ctx, s.controlPath, raw); err != nil {
			metrics.ReloadsTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.ReloadsTotal.WithLabelValues("ok").Inc()
		return nil
	}

	s.stopLocked(ctx)
	if err := s.startLocked(ctx, raw); err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Stop signals the running child, waits for it to exit, and tears down its
// fabric.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGINT)
		_, _ = s.cmd.Process.Wait()
		metrics.SetDataPlaneHealth(false, "stopped")
	}
	if s.session != nil {
		s.session.Teardown(ctx, s.runner, s.logger)
		if s.store != nil {
			_ = s.store.Delete(s.session.ID)
		}
		metrics.FabricSessionsActive.Dec()
		metrics.SetFabricHealth(false, "torn down")
	}
	s.session = nil
	s.cmd = nil
	s.controlPath = ""
}

func samePorts(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint16]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		seen[p]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
