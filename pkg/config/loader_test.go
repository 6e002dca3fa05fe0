package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "diskcache.toml", `
dir = "/srv/cache"

[log]
level = "debug"
format = "json"

[telemetry]
enabled = true
exporters = ["prometheus", "stdout"]
metric_interval = "15s"

[admin]
addr = ":9400"

[[regions]]
name = "users"
max_key_size = 1000
key_persistence_interval = "30s"

[[regions]]
name = "sessions"
disk_path = "/tmp/sessions"
disk_limit_type = "size"
max_key_size = 2048
block_size_bytes = 1024
dispose_timeout = 5
disable_remove_all = true
serializer = "s2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 100, cfg.Log.MaxSizeMB)
	require.Equal(t, ":9400", cfg.Admin.Addr)
	require.Equal(t, []string{"prometheus", "stdout"}, cfg.Telemetry.Exporters)
	require.Equal(t, 15*time.Second, cfg.Telemetry.MetricInterval)
	require.Equal(t, "diskcache", cfg.Telemetry.ServiceName)

	require.Len(t, cfg.Regions, 2)

	users, ok := cfg.Region("users")
	require.True(t, ok)
	require.Equal(t, "/srv/cache", users.DiskPath)
	require.Equal(t, 30*time.Second, users.KeyPersistenceInterval)
	require.Equal(t, DefaultBlockSize, users.BlockSizeBytes)
	require.Equal(t, DefaultDisposeTimeout, users.DisposeTimeout)
	require.False(t, users.DisableRemoveAll)
	require.Equal(t, LimitCount, users.DiskLimitType)

	sessions, ok := cfg.Region("sessions")
	require.True(t, ok)
	require.Equal(t, "/tmp/sessions", sessions.DiskPath)
	require.Equal(t, LimitSize, sessions.DiskLimitType)
	require.Equal(t, 5*time.Second, sessions.DisposeTimeout)
	require.True(t, sessions.DisableRemoveAll)
	require.Equal(t, "s2", sessions.Serializer)

	_, ok = cfg.Region("missing")
	require.False(t, ok)
}

func TestLoadYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "diskcache.yaml", `
regions:
  - name: only
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Len(t, cfg.Regions, 1)
	require.Equal(t, DefaultDir, cfg.Regions[0].DiskPath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad level": `
[log]
level = "loud"
`,
		"bad region": `
[[regions]]
name = "a/b"
`,
		"duplicate region": `
[[regions]]
name = "r"
[[regions]]
name = "r"
`,
		"bad duration": `
[[regions]]
name = "r"
dispose_timeout = "soon"
`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.toml", content))
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DISKCACHE_LOG_LEVEL", "warn")
	t.Setenv("DISKCACHE_ADMIN_ADDR", ":9500")
	t.Setenv("DISKCACHE_TELEMETRY_EXPORTERS", "stdout,otlp")
	t.Setenv("DISKCACHE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("DISKCACHE_TELEMETRY_OTLP_INSECURE", "false")
	t.Setenv("DISKCACHE_TELEMETRY_METRIC_INTERVAL", "15s")

	path := writeConfig(t, "diskcache.yaml", `
log:
  level: debug
telemetry:
  service_name: from-file
regions:
  - name: only
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, ":9500", cfg.Admin.Addr)
	require.Equal(t, "from-file", cfg.Telemetry.ServiceName)
	require.Equal(t, []string{"stdout", "otlp"}, cfg.Telemetry.Exporters)
	require.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	require.False(t, cfg.Telemetry.OTLPInsecure)
	require.Equal(t, 15*time.Second, cfg.Telemetry.MetricInterval)
	require.Len(t, cfg.Regions, 1)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("DISKCACHE_TELEMETRY_SERVICE_NAME", "cache-node")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "cache-node", cfg.Telemetry.ServiceName)
	require.Equal(t, DefaultDir, cfg.Dir)
	require.Empty(t, cfg.Regions)
}

func TestLogConfigNewLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	lc := LogConfig{Level: "warn", Format: "json", FilePath: logPath, MaxSizeMB: 1}

	logger, err := lc.NewLogger()
	require.NoError(t, err)
	logger.Warn("written")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"written"`)

	_, err = LogConfig{Level: "nope"}.NewLogger()
	require.Error(t, err)
}
