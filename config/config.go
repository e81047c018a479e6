// Package config loads the settings shared by tuya-host and tuyactl from YAML,
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/loadbalance"
	"tuya-bridge/registry"
	"tuya-bridge/tuya"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	PluginID string       `yaml:"plugin_id"`
	Codec    string       `yaml:"codec"`     // json or binary
	LogLevel string       `yaml:"log_level"` // debug, info, warn, error
	Client   ClientConfig `yaml:"client"`
	Host     HostConfig   `yaml:"host"`
}

// ClientConfig locates hosts. With registry endpoints set, hosts are
// discovered in etcd; otherwise the static addresses are used.
type ClientConfig struct {
	RegistryEndpoints []string `yaml:"registry_endpoints"`
	Addrs             []string `yaml:"addrs"`
	Balancer          string   `yaml:"balancer"` // round_robin, weighted_random, consistent_hash
	PoolSize          int      `yaml:"pool_size"`
	NATSURL           string   `yaml:"nats_url"`
	NATSPrefix        string   `yaml:"nats_prefix"`
}

type HostConfig struct {
	Listen      string        `yaml:"listen"`
	Advertise   string        `yaml:"advertise"`
	RegisterTTL int64         `yaml:"register_ttl"`
	Timeout     time.Duration `yaml:"timeout"` // 0 disables
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	MetricsAddr string        `yaml:"metrics_addr"`
	FrameEvery  time.Duration `yaml:"frame_every"`
}

func Default() *Config {
	return &Config{
		PluginID: tuya.DefaultPluginID,
		Codec:    "json",
		LogLevel: "info",
		Client: ClientConfig{
			Addrs:      []string{"127.0.0.1:7420"},
			Balancer:   "consistent_hash",
			PoolSize:   2,
			NATSPrefix: "tuya",
		},
		Host: HostConfig{
			Listen:      ":7420",
			RegisterTTL: 10,
			RateBurst:   20,
			MetricsAddr: ":9420",
			FrameEvery:  time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUYA_BRIDGE_PLUGIN_ID"); v != "" {
		cfg.PluginID = v
	}
	if v := os.Getenv("TUYA_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TUYA_BRIDGE_ETCD"); v != "" {
		cfg.Client.RegistryEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("TUYA_BRIDGE_ADDRS"); v != "" {
		cfg.Client.Addrs = splitCommaList(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Client.NATSURL = v
	}
	if v := os.Getenv("TUYA_BRIDGE_LISTEN"); v != "" {
		cfg.Host.Listen = v
	}
	if v := os.Getenv("TUYA_BRIDGE_RATE_LIMIT"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Host.RateLimit = r
		}
	}
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.PluginID == "" {
		return tuya.ErrEmptyPluginID
	}
	if _, ok := codec.ParseCodecType(c.Codec); !ok {
		return fmt.Errorf("invalid codec: %s (valid: json, binary)", c.Codec)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		return err
	}
	if c.Client.PoolSize < 1 {
		return fmt.Errorf("client.pool_size must be at least 1, got %d", c.Client.PoolSize)
	}
	if len(c.Client.RegistryEndpoints) == 0 && len(c.Client.Addrs) == 0 && c.Client.NATSURL == "" {
		return errors.New("client: one of registry_endpoints, addrs or nats_url is required")
	}
	if c.Host.Timeout < 0 {
		return fmt.Errorf("host.timeout must not be negative")
	}
	if c.Host.RateLimit < 0 {
		return fmt.Errorf("host.rate_limit must not be negative")
	}
	if c.Host.RateLimit > 0 && c.Host.RateBurst < 1 {
		return fmt.Errorf("host.rate_burst must be at least 1 when rate_limit is set")
	}
	return nil
}

// CodecType returns the validated codec.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// OpenRegistry returns the etcd registry when endpoints are configured and a
// static registry over Client.Addrs otherwise. The returned func releases it.
func (c *Config) OpenRegistry(logger *zap.Logger) (registry.Registry, func() error, error) {
	if len(c.Client.RegistryEndpoints) == 0 {
		return registry.NewStaticRegistryWith(c.PluginID, c.Client.Addrs...), func() error { return nil }, nil
	}
	etcd, err := registry.NewEtcdRegistry(c.Client.RegistryEndpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return etcd, etcd.Close, nil
}
