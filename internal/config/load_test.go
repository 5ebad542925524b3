package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tproxy/internal/errs"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTemp(t, "cfg.json", `{"proxy_ports":[8080],"safe_mode":true,"rules":[]}`)
	raw, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []uint16{8080}, raw.ProxyPorts)
	assert.True(t, raw.SafeMode)
}

func TestLoadFileYAML(t *testing.T) {
	path := writeTemp(t, "cfg.yaml", "proxy_ports: [9090]\nsafe_mode: false\nrules: []\n")
	raw, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []uint16{9090}, raw.ProxyPorts)
}

func TestLoadFileUnsupportedExtension(t *testing.T) {
	path := writeTemp(t, "cfg.toml", "proxy_ports = [8080]")
	_, err := LoadFile(path)
	assert.ErrorIs(t, err, errs.Config)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/cfg.json")
	assert.ErrorIs(t, err, errs.Config)
}

func TestLoadFileMalformedJSON(t *testing.T) {
	path := writeTemp(t, "cfg.json", `{"proxy_ports":`)
	_, err := LoadFile(path)
	assert.ErrorIs(t, err, errs.Config)
}
