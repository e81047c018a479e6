package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/tuya"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuya-bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, tuya.DefaultPluginID, cfg.PluginID)
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
	assert.Zero(t, cfg.Host.Timeout)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
codec: binary
log_level: debug
client:
  registry_endpoints: ["etcd-0:2379", "etcd-1:2379"]
  balancer: round_robin
host:
  listen: ":9000"
  timeout: 30s
  rate_limit: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, tuya.DefaultPluginID, cfg.PluginID)
	assert.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Client.RegistryEndpoints)
	assert.Equal(t, "round_robin", cfg.Client.Balancer)
	assert.Equal(t, 2, cfg.Client.PoolSize)
	assert.Equal(t, ":9000", cfg.Host.Listen)
	assert.Equal(t, 30*time.Second, cfg.Host.Timeout)
	assert.Equal(t, 5.0, cfg.Host.RateLimit)
	assert.Equal(t, 20, cfg.Host.RateBurst)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TUYA_BRIDGE_PLUGIN_ID", "OtherPlugin")
	t.Setenv("TUYA_BRIDGE_ADDRS", "10.0.0.1:7420, 10.0.0.2:7420,")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "OtherPlugin", cfg.PluginID)
	assert.Equal(t, []string{"10.0.0.1:7420", "10.0.0.2:7420"}, cfg.Client.Addrs)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Client.NATSURL)
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"empty plugin id": `plugin_id: ""`,
		"codec":           `codec: protobuf`,
		"log level":       `log_level: loud`,
		"balancer":        "client:\n  balancer: random",
		"pool size":       "client:\n  pool_size: 0",
		"no hosts":        "client:\n  addrs: []",
		"burst":           "host:\n  rate_limit: 1\n  rate_burst: 0",
		"bad yaml":        "client: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg := Default()
	cfg.PluginID = ""
	assert.ErrorIs(t, cfg.Validate(), tuya.ErrEmptyPluginID)
}

func TestOpenStaticRegistry(t *testing.T) {
	cfg := Default()
	cfg.Client.Addrs = []string{"10.0.0.1:7420", "10.0.0.2:7420"}

	reg, closeReg, err := cfg.OpenRegistry(nil)
	require.NoError(t, err)
	defer closeReg()

	insts, err := reg.Discover(cfg.PluginID)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}
