package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("/nonexistent/drover.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7430", cfg.ListenAddr)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
redis_addr: "127.0.0.1:6379"
dispatcher_tick_ms: 250
blackout_check_tz: "America/New_York"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatcherTick())
	assert.Equal(t, "America/New_York", cfg.BlackoutCheckTZ)
	// untouched fields keep their defaults
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 16, cfg.MessageInflightSoftCap)
	assert.Equal(t, 300*time.Second, cfg.DefaultTaskTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"zero tick", func(c *Config) { c.DispatcherTickMs = 0 }, "dispatcher_tick_ms"},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, "max_workers"},
		{"zero scan cadence", func(c *Config) { c.AntistarvationScanEveryNTicks = 0 }, "antistarvation_scan_every_n_ticks"},
		{"degrade after unhealthy", func(c *Config) { c.WorkerDegradeAfterMin = 20 }, "worker_degrade_after_min"},
		{"bad timezone", func(c *Config) { c.BlackoutCheckTZ = "Mars/Olympus" }, "blackout_check_tz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_workers: -1\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "max_workers")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [broken\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
