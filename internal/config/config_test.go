package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axterm-go/engine/internal/netrom"
	"github.com/axterm-go/engine/internal/session"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "axterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyDocumentFallsBackToDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, session.DefaultConfig(), cfg.SessionDefaults())
	assert.Equal(t, netrom.DefaultConfig(), mustConfig(cfg))

	rateHz, burst := cfg.SchedulerDefaults()
	assert.Equal(t, 4.0, rateHz)
	assert.Equal(t, 8, burst)
}

func mustConfig(cfg Config) netrom.Config {
	_, rc := cfg.RouterDefaults()
	return rc
}

func TestLoadOverridesSpecificFields(t *testing.T) {
	path := writeTempConfig(t, `
callsign: n0call
ssid: 5
kiss:
  host: 127.0.0.1
  port: 8001
  channel: 0
session:
  windowSize: 2
  paclen: 64
router:
  mode: inference
  routeTTL: 10m
scheduler:
  rateHz: 2
  burst: 4
persistence:
  path: /var/lib/axterm/state.db
  retentionDays: 14
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	addr, err := cfg.LocalAddress()
	require.NoError(t, err)
	assert.Equal(t, "N0CALL", addr.Callsign)
	assert.Equal(t, 5, addr.SSID)
	assert.Equal(t, "127.0.0.1:8001", cfg.KISSAddr())

	sessCfg := cfg.SessionDefaults()
	assert.Equal(t, 2, sessCfg.WindowSize)
	assert.Equal(t, 64, sessCfg.Paclen)
	// Unset fields still fall back to session.DefaultConfig().
	assert.Equal(t, session.DefaultConfig().MaxRetries, sessCfg.MaxRetries)

	mode, routerCfg := cfg.RouterDefaults()
	assert.Equal(t, netrom.ModeInference, mode)
	assert.Equal(t, 10*time.Minute, routerCfg.RouteTTL)
	assert.Equal(t, netrom.DefaultConfig().NeighborTTL, routerCfg.NeighborTTL)

	rateHz, burst := cfg.SchedulerDefaults()
	assert.Equal(t, 2.0, rateHz)
	assert.Equal(t, 4, burst)

	assert.Equal(t, "/var/lib/axterm/state.db", cfg.Persistence.Path)
	assert.Equal(t, 14, cfg.Persistence.RetentionDays)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidSSID(t *testing.T) {
	path := writeTempConfig(t, "callsign: n0call\nssid: 99\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.LocalAddress()
	assert.Error(t, err)
}
