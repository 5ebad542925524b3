package main

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/supervisor"
)

var (
	reDefaultRoute = regexp.MustCompile(`default via (\S+) dev (\S+)`)
	reInetAddr     = regexp.MustCompile(`inet (\S+)`)
	reNeighLL      = regexp.MustCompile(`lladdr (\S+)`)
)

// detectNetwork shells out to the same `ip` CLI the fabric package uses to
// find the host's default-route device, its current IPv4 address, and the
// gateway's MAC address, none of which the operator's RawConfig carries
// (spec §4.9 setup needs all three before the namespace exists to ask
// instead).
func detectNetwork(ctx context.Context, ifaceOverride string) (supervisor.NetworkInfo, error) {
	out, err := exec.CommandContext(ctx, "ip", "-4", "route", "show", "default").CombinedOutput()
	if err != nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: detect default route: %w: %s", errs.Fabric, err, out)
	}
	m := reDefaultRoute.FindSubmatch(out)
	if m == nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: no default route found", errs.Fabric)
	}
	gatewayIP := string(m[1])
	device := string(m[2])
	if ifaceOverride != "" {
		device = ifaceOverride
	}

	addrOut, err := exec.CommandContext(ctx, "ip", "-4", "addr", "show", "dev", device).CombinedOutput()
	if err != nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: detect address on %s: %w: %s", errs.Fabric, device, err, addrOut)
	}
	am := reInetAddr.FindSubmatch(addrOut)
	if am == nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: no ipv4 address on %s", errs.Fabric, device)
	}
	hostIPCIDR := string(am[1])

	// Prime the neighbor table, then read back the gateway's MAC.
	_ = exec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", gatewayIP).Run()
	neighOut, err := exec.CommandContext(ctx, "ip", "neigh", "show", gatewayIP, "dev", device).CombinedOutput()
	if err != nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: detect gateway mac: %w: %s", errs.Fabric, err, neighOut)
	}
	nm := reNeighLL.FindSubmatch(neighOut)
	if nm == nil {
		return supervisor.NetworkInfo{}, fmt.Errorf("%w: no arp entry for gateway %s", errs.Fabric, gatewayIP)
	}

	return supervisor.NetworkInfo{
		Device:     device,
		HostIPCIDR: hostIPCIDR,
		GatewayIP:  gatewayIP,
		GatewayMAC: string(nm[1]),
	}, nil
}
