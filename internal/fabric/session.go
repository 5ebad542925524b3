package fabric

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Session bundles one NetEnv with the host-global state (resolv.conf, main
// route table) that must be saved before touching the network and restored
// after, in the order spec §4.9 describes: backup/snapshot first, namespace
// and TPROXY wiring last on the way up; unwound in the opposite order on
// the way down.
type Session struct {
	Env    *NetEnv
	ID     string
	resolv *ResolvConfBackup
	routes *RouteSnapshot

	gatewayIP  string
	gatewayMAC string
}

// NewSession backs up global state and derives a fresh NetEnv, but performs
// no namespace or interface mutation yet; call Setup for that.
func NewSession(ctx context.Context, device, ip string) (*Session, error) {
	resolv, err := BackupResolvConf()
	if err != nil {
		return nil, err
	}
	routes, err := SnapshotRoutes(ctx)
	if err != nil {
		return nil, err
	}
	env, err := New(device, ip)
	if err != nil {
		return nil, err
	}
	return &Session{Env: env, ID: NewSessionID(), resolv: resolv, routes: routes}, nil
}

// Setup brings the namespace/bridge/veth topology up, installs TPROXY (and
// the safe-mode exception when requested), and prunes any now-conflicting
// host routes left over from the address move.
func (s *Session) Setup(ctx context.Context, r Runner, gatewayIP, gatewayMAC string, proxyPorts []uint16, listenPort uint16, safeMode bool) error {
	s.gatewayIP, s.gatewayMAC = gatewayIP, gatewayMAC
	if err := s.Env.Setup(ctx, r, gatewayIP, gatewayMAC); err != nil {
		return fmt.Errorf("fabric session %s: %w", s.ID, err)
	}
	if err := s.Env.InstallTProxy(ctx, r, proxyPorts, listenPort); err != nil {
		return fmt.Errorf("fabric session %s: %w", s.ID, err)
	}
	if safeMode {
		if err := s.Env.InstallSafeMode(ctx, r); err != nil {
			return fmt.Errorf("fabric session %s: %w", s.ID, err)
		}
	}
	hostIP, _, _ := strings.Cut(s.Env.IP, "/")
	s.routes.PruneConflicting(ctx, r, hostIP)
	return nil
}

// Teardown unwinds everything Setup did, best-effort, logging failures
// rather than stopping partway (spec §4.9 teardown: "must be idempotent and
// best-effort").
func (s *Session) Teardown(ctx context.Context, r Runner, logger zerolog.Logger) {
	s.Env.Teardown(ctx, r)
	s.resolv.Restore(logger)
	s.routes.Restore(ctx, logger)
	if s.gatewayIP != "" && s.gatewayMAC != "" {
		r.RunAllBestEffort(ctx, []step{
			{"re-pin gateway arp on host device", cmd("arp", "-s", s.gatewayIP, s.gatewayMAC, "-i", s.Env.Device)},
		})
	}
}
