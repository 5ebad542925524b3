// Package fabric builds and tears down the network namespace, veth/bridge
// pair, and TPROXY iptables rules that let the data-plane intercept traffic
// destined for arbitrary addresses without the kernel rejecting the bind.
// Every step shells out to the same small set of Linux network tools
// (ip, iptables, ebtables-legacy, arp, sysctl) the controller always has on
// hand, rather than re-implementing netlink encoding.
package fabric

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"os/exec"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/errs"
)

// NetEnv names every interface, bridge, and namespace the fabric creates.
// Names are derived once at construction and reused for both setup and
// teardown so a crash-recovered controller can tear down exactly what a
// prior run built (see checkpoint.Store).
type NetEnv struct {
	Namespace string
	Device    string // host's default outbound interface
	IP        string // device's CIDR address, moved onto veth4 during setup

	bridgeHost string // bridge on the host side
	bridgeNS   string // bridge inside the namespace

	vethHostOuter string // host-side veth of the first pair (plugged into bridgeHost)
	vethNSInner   string // namespace-side peer of the first pair (plugged into bridgeNS)
	vethNSOuter   string // namespace-side veth of the second pair (plugged into bridgeNS)
	vethHostInner string // host-side peer of the second pair, takes over Device's IP
}

// New derives a fresh, collision-free NetEnv rooted at a random short
// prefix so concurrent controller instances never clash on interface names.
func New(device, ip string) (*NetEnv, error) {
	prefix, err := randPrefix()
	if err != nil {
		return nil, err
	}
	return &NetEnv{
		Namespace:     prefix + "ns",
		Device:        device,
		IP:            ip,
		bridgeHost:    prefix + "b1",
		bridgeNS:      prefix + "b2",
		vethHostOuter: prefix + "v1",
		vethNSInner:   "veth0",
		vethNSOuter:   "veth1",
		vethHostInner: prefix + "v4",
	}, nil
}

func randPrefix() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 10)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("%w: generate interface prefix: %w", errs.Fabric, err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Setup brings up the bridge/veth/namespace topology, moves the host's
// default-route IP onto the namespace-facing veth, and installs TPROXY
// policy routing inside the namespace. gatewayIP and gatewayMAC are used to
// pin static ARP entries so traffic keeps flowing once the IP moves.
func (e *NetEnv) Setup(ctx context.Context, r Runner, gatewayIP, gatewayMAC string) error {
	net4 := e.IP
	ip, _, err := net.ParseCIDR(net4)
	if err != nil {
		return fmt.Errorf("%w: parse interface ip %q: %w", errs.Fabric, net4, err)
	}
	hostIP32 := ip.String() + "/32"

	steps := []step{
		{"create namespace", cmd("ip", "netns", "add", e.Namespace)},
		{"create host bridge", cmd("ip", "link", "add", "name", e.bridgeHost, "type", "bridge")},
		{"create veth pair 1", cmd("ip", "link", "add", e.vethHostOuter, "type", "veth", "peer", e.vethNSInner, "netns", e.Namespace)},
		{"create ns bridge", e.inNS(cmd("ip", "link", "add", "name", e.bridgeNS, "type", "bridge"))},
		{"create veth pair 2", cmd("ip", "link", "add", e.vethHostInner, "type", "veth", "peer", e.vethNSOuter, "netns", e.Namespace)},
		{"bring up host bridge", cmd("ip", "link", "set", e.bridgeHost, "up")},
		{"bring up veth1 (host)", cmd("ip", "link", "set", e.vethHostOuter, "up")},
		{"bring up veth0 (ns)", e.inNS(cmd("ip", "link", "set", e.vethNSInner, "up"))},
		{"bring up ns bridge", e.inNS(cmd("ip", "link", "set", e.bridgeNS, "up"))},
		{"bring up veth1 (ns)", e.inNS(cmd("ip", "link", "set", e.vethNSOuter, "up"))},
		{"bring up veth4 (host)", cmd("ip", "link", "set", e.vethHostInner, "up")},
		{"enslave device to host bridge", cmd("ip", "link", "set", e.Device, "master", e.bridgeHost)},
		{"enslave veth1 to host bridge", cmd("ip", "link", "set", e.vethHostOuter, "master", e.bridgeHost)},
		{"enslave veth0 to ns bridge", e.inNS(cmd("ip", "link", "set", e.vethNSInner, "master", e.bridgeNS))},
		{"enslave veth1 to ns bridge", e.inNS(cmd("ip", "link", "set", e.vethNSOuter, "master", e.bridgeNS))},
		{"bring up ns loopback", e.inNS(cmd("ip", "link", "set", "lo", "up"))},
		{"remove ip from device", cmd("ip", "address", "del", net4, "dev", e.Device)},
		{"move ip to veth4", cmd("ip", "address", "add", net4, "dev", e.vethHostInner)},
		{"pin gateway arp (veth1 host)", cmd("arp", "-s", gatewayIP, gatewayMAC, "-i", e.vethHostOuter)},
		{"pin gateway arp (veth4 host)", cmd("arp", "-s", gatewayIP, gatewayMAC, "-i", e.vethHostInner)},
		{"pin gateway arp (veth0 ns)", e.inNS(cmd("arp", "-s", gatewayIP, gatewayMAC, "-i", e.vethNSInner))},
		{"pin gateway arp (ns bridge)", e.inNS(cmd("arp", "-s", gatewayIP, gatewayMAC, "-i", e.bridgeNS))},
		{"default route (host)", cmd("ip", "route", "add", "default", "via", gatewayIP, "dev", e.vethHostInner, "proto", "kernel", "onlink")},
		{"default route (ns)", e.inNS(cmd("ip", "route", "add", "default", "via", gatewayIP, "dev", e.bridgeNS, "proto", "kernel", "onlink"))},
		{"kernel route for host ip (ns)", e.inNS(cmd("ip", "route", "add", hostIP32, "dev", e.bridgeNS, "proto", "kernel"))},
		{"enable ip forwarding (ns)", e.inNS(cmd("sysctl", "-w", "net.ipv4.ip_forward=1"))},
		{"allow nonlocal bind (ns)", e.inNS(cmd("sysctl", "-w", "net.ipv4.ip_nonlocal_bind=1"))},
		{"disable rp_filter on ns bridge", e.inNS(cmd("sysctl", "-w", "net.ipv4.conf."+e.bridgeNS+".rp_filter=0"))},
		{"disable rp_filter on veth0", e.inNS(cmd("sysctl", "-w", "net.ipv4.conf."+e.vethNSInner+".rp_filter=0"))},
		{"disable rp_filter on veth1", e.inNS(cmd("sysctl", "-w", "net.ipv4.conf."+e.vethNSOuter+".rp_filter=0"))},
		{"disable rp_filter on ns lo", e.inNS(cmd("sysctl", "-w", "net.ipv4.conf.lo.rp_filter=0"))},
		{"disable rp_filter on ns all", e.inNS(cmd("sysctl", "-w", "net.ipv4.conf.all.rp_filter=0"))},
		{"fwmark policy rule (ns)", e.inNS(cmd("ip", "rule", "add", "fwmark", "1", "lookup", "100"))},
		{"local route table 100 (ns)", e.inNS(cmd("ip", "route", "add", "local", "0.0.0.0/0", "dev", "lo", "table", "100"))},
	}
	if err := r.RunAll(ctx, steps); err != nil {
		return err
	}

	veth4MAC, err := interfaceMAC(e.vethHostInner)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.Fabric, err)
	}
	return r.Run(ctx, step{"pin host ip arp on ns bridge", e.inNS(cmd("arp", "-s", ip.String(), veth4MAC, "-i", e.bridgeNS))})
}

// InstallTProxy installs the mangle-table TPROXY rules that divert traffic
// for proxyPorts (or every TCP port when proxyPorts is empty) into
// listenPort inside the namespace, plus the DIVERT chain that short
// circuits packets belonging to sockets the data-plane already owns and the
// ebtables rule that stops the bridge from forwarding TPROXY'd TCP packets
// around the netfilter hook entirely.
func (e *NetEnv) InstallTProxy(ctx context.Context, r Runner, proxyPorts []uint16, listenPort uint16) error {
	dport := []string{"-p", "tcp", "-j", "TPROXY", "--tproxy-mark", "0x1/0x1", "--on-port", strconv.Itoa(int(listenPort))}
	var tproxyRule []string
	if len(proxyPorts) > 0 {
		tproxyRule = append([]string{"iptables", "-t", "mangle", "-A", "PREROUTING", "-p", "tcp", "-m", "multiport", "--dports", joinPorts(proxyPorts)}, dport[2:]...)
	} else {
		tproxyRule = append([]string{"iptables", "-t", "mangle", "-A", "PREROUTING"}, dport...)
	}

	steps := []step{
		{"create DIVERT chain", e.inNS(cmd("iptables", "-t", "mangle", "-N", "DIVERT"))},
		{"divert owned sockets", e.inNS(cmd("iptables", "-t", "mangle", "-A", "PREROUTING", "-p", "tcp", "-m", "socket", "-j", "DIVERT"))},
		{"mark diverted packets", e.inNS(cmd("iptables", "-t", "mangle", "-A", "DIVERT", "-j", "MARK", "--set-mark", "1"))},
		{"accept diverted packets", e.inNS(cmd("iptables", "-t", "mangle", "-A", "DIVERT", "-j", "ACCEPT"))},
		{"tproxy rule", e.inNS(cmd(tproxyRule[0], tproxyRule[1:]...))},
		{"stop bridge forwarding tproxy'd tcp", e.inNS(cmd("ebtables-legacy", "-t", "broute", "-A", "BROUTING", "-p", "IPv4", "--ip-proto", "6", "-j", "redirect", "--redirect-target", "DROP"))},
	}
	return r.RunAll(ctx, steps)
}

// InstallSafeMode adds the mangle-table exception that leaves the
// well-known port range untouched by TPROXY, so SafeMode configs can't
// accidentally intercept ssh or other privileged-port services.
func (e *NetEnv) InstallSafeMode(ctx context.Context, r Runner) error {
	return r.Run(ctx, step{"safe mode low-port exception", e.inNS(cmd("iptables", "-t", "mangle", "-I", "PREROUTING", "-p", "tcp", "--dport", "1:1024", "-j", "ACCEPT"))})
}

// Teardown removes the namespace and bridge and restores the host IP to its
// original device. Every step runs best-effort: a partially-built fabric
// (the common case after a crash) must not leave teardown stuck on the
// first missing resource.
func (e *NetEnv) Teardown(ctx context.Context, r Runner) {
	steps := []step{
		{"delete namespace", cmd("ip", "netns", "delete", e.Namespace)},
		{"delete host bridge", cmd("ip", "link", "delete", "dev", e.bridgeHost, "type", "bridge")},
		{"restore ip to device", cmd("ip", "address", "add", e.IP, "dev", e.Device)},
		{"flush main route table", cmd("ip", "route", "flush", "table", "main")},
		{"clear ebtables", cmd("ebtables-legacy", "-t", "broute", "-F")},
	}
	r.RunAllBestEffort(ctx, steps)
}

func interfaceMAC(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("interface %s not found: %w", name, err)
	}
	return iface.HardwareAddr.String(), nil
}

func joinPorts(ports []uint16) string {
	s := ""
	for i, p := range ports {
		if i > 0 {
			s += ","
		}
		s += strconv.Itoa(int(p))
	}
	return s
}

// command is one argv to execute, named for logging.
type command struct {
	argv []string
}

func cmd(name string, args ...string) command {
	return command{argv: append([]string{name}, args...)}
}

func (e *NetEnv) inNS(c command) command {
	return command{argv: append([]string{"ip", "netns", "exec", e.Namespace}, c.argv...)}
}

// step pairs a command with a human-readable label for logs and errors.
type step struct {
	label string
	cmd   command
}

// Runner executes fabric commands. The default implementation shells out
// via os/exec; tests substitute a fake that records invocations.
type Runner interface {
	Run(ctx context.Context, s step) error
	RunAll(ctx context.Context, steps []step) error
	RunAllBestEffort(ctx context.Context, steps []step)
}

// ExecRunner runs steps through os/exec, matching the CLI-wrapping idiom
// used for iptables elsewhere in this codebase.
type ExecRunner struct {
	Logger zerolog.Logger
}

func (r ExecRunner) Run(ctx context.Context, s step) error {
	c := exec.CommandContext(ctx, s.cmd.argv[0], s.cmd.argv[1:]...)
	out, err := c.CombinedOutput()
	r.Logger.Trace().Strs("argv", s.cmd.argv).Str("step", s.label).Msg("fabric command")
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", errs.Fabric, s.label, err, out)
	}
	return nil
}

func (r ExecRunner) RunAll(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := r.Run(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r ExecRunner) RunAllBestEffort(ctx context.Context, steps []step) {
	for _, s := range steps {
		if err := r.Run(ctx, s); err != nil {
			r.Logger.Warn().Err(err).Str("step", s.label).Msg("teardown step failed, continuing")
		}
	}
}

// NewSessionID returns an opaque identifier used to label checkpoint
// records; it has no meaning to the fabric itself.
func NewSessionID() string {
	return uuid.NewString()
}
