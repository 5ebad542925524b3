package fabric

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/errs"
)

const resolvConfPath = "/etc/resolv.conf"

// ResolvConfBackup is a byte-for-byte copy of /etc/resolv.conf taken before
// fabric setup begins, so Restore can put it back exactly (spec §4.9 step 1
// and teardown; testable property: "/etc/resolv.conf byte-equals its
// pre-setup content").
type ResolvConfBackup struct {
	content []byte
	mode    os.FileMode
}

// BackupResolvConf reads the current resolv.conf into memory.
func BackupResolvConf() (*ResolvConfBackup, error) {
	info, err := os.Stat(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", errs.Fabric, resolvConfPath, err)
	}
	content, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errs.Fabric, resolvConfPath, err)
	}
	return &ResolvConfBackup{content: content, mode: info.Mode()}, nil
}

// Restore writes the backed-up content back to resolv.conf. It is
// best-effort and logs rather than returns an error: teardown must not get
// stuck on a single failed step.
func (b *ResolvConfBackup) Restore(logger zerolog.Logger) {
	if b == nil {
		return
	}
	if err := os.WriteFile(resolvConfPath, b.content, b.mode); err != nil {
		logger.Warn().Err(err).Str("step", "restore resolv.conf").Msg("teardown step failed, continuing")
	}
}
