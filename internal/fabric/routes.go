package fabric

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/errs"
)

// RouteSnapshot is the ordered list of IPv4 routes present in the main
// routing table before fabric setup moved the host's address onto veth4,
// captured so teardown can restore them in reverse order (spec §4.9 step 2
// and teardown; spec §3 invariant "saved routes are restored in reverse of
// save order").
type RouteSnapshot struct {
	lines []string
}

// SnapshotRoutes records the IPv4 routes of the main table, in the order
// `ip route show` reports them. Routes in any other table are not recorded.
func SnapshotRoutes(ctx context.Context) (*RouteSnapshot, error) {
	out, err := exec.CommandContext(ctx, "ip", "-4", "route", "show", "table", "main").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot routes: %w: %s", errs.Fabric, err, out)
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return &RouteSnapshot{lines: lines}, nil
}

// PruneConflicting removes any kernel-owned route whose PrefSource equals
// hostIP and which carries no gateway: once hostIP has moved onto veth4,
// these stale on-link routes for the old device would otherwise shadow the
// fabric's own routing (spec §4.9 step 12).
func (s *RouteSnapshot) PruneConflicting(ctx context.Context, r Runner, hostIP string) {
	var steps []step
	for _, line := range s.lines {
		if !strings.Contains(line, "src "+hostIP) || strings.Contains(line, "via ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		dest := fields[0]
		steps = append(steps, step{
			label: "prune conflicting route " + dest,
			cmd:   cmd("ip", "route", "del", dest),
		})
	}
	r.RunAllBestEffort(ctx, steps)
}

// Restore re-adds every snapshotted route in reverse of save order, after
// the rest of teardown has run. Best-effort: a route that still exists (or
// whose device no longer does) is logged and skipped.
func (s *RouteSnapshot) Restore(ctx context.Context, logger zerolog.Logger) {
	for i := len(s.lines) - 1; i >= 0; i-- {
		args := append([]string{"route", "add"}, strings.Fields(s.lines[i])...)
		out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
		if err != nil {
			logger.Warn().Err(err).Str("route", s.lines[i]).Str("output", string(out)).Msg("restore route failed, continuing")
		}
	}
}
