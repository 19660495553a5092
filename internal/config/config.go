package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override, e.g.
// WGSYNC_BACKEND_OP_TIMEOUT=5s sets backend.op_timeout.
const EnvPrefix = "WGSYNC_"

// Backend types.
const (
	BackendAuto      = "auto"
	BackendKernel    = "kernel"
	BackendUserspace = "userspace"
)

// Config holds all configuration for wgsync.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Userspace UserspaceConfig `koanf:"userspace"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Database  DatabaseConfig  `koanf:"database"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// BackendConfig selects the tunnel mechanism.
type BackendConfig struct {
	Type      string        `koanf:"type"`
	OpTimeout time.Duration `koanf:"op_timeout"`
}

// UserspaceConfig controls the supervised userspace implementation.
type UserspaceConfig struct {
	Binary         string        `koanf:"binary"`
	Args           []string      `koanf:"args"`
	SocketDir      string        `koanf:"socket_dir"`
	ReadyTimeout   time.Duration `koanf:"ready_timeout"`
	ConnectRetries int           `koanf:"connect_retries"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	StopTimeout    time.Duration `koanf:"stop_timeout"`
	Detach         bool          `koanf:"detach"`
}

// ReconcileConfig holds the drift loop settings.
type ReconcileConfig struct {
	Interval      time.Duration `koanf:"interval"`
	Concurrency   int           `koanf:"concurrency"`
	RestartOnDown bool          `koanf:"restart_on_down"`

	// SnapshotRetention bounds how long peer statistics are kept.
	SnapshotRetention  time.Duration `koanf:"snapshot_retention"`
	CompactionInterval time.Duration `koanf:"compaction_interval"`
	ExpiryInterval     time.Duration `koanf:"expiry_interval"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `koanf:"path"`
	// EncryptionKeyFile holds the master key that seals stored private
	// and preshared keys. Empty disables sealing.
	EncryptionKeyFile string `koanf:"encryption_key_file"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen  string `koanf:"listen"`
	DevMode bool   `koanf:"dev_mode"`

	// TLSMode is off, self-signed, manual or acme.
	TLSMode     string   `koanf:"tls_mode"`
	TLSCertFile string   `koanf:"tls_cert_file"`
	TLSKeyFile  string   `koanf:"tls_key_file"`
	TLSCertDir  string   `koanf:"tls_cert_dir"`
	TLSHosts    []string `koanf:"tls_hosts"`
	TLSEmail    string   `koanf:"tls_email"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration with priority: flags > env > yaml file > defaults.
// Only flags whose names match a config key (e.g. "backend.type") take
// part.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults.
	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// 2. Load YAML config file (if given).
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// 3. Load environment variables. The first underscore separates the
	// section from the key, so multi-word keys keep their underscores.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// 4. Load CLI flags (highest priority).
	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !strings.Contains(f.Name, ".") {
				return "", nil
			}
			return f.Name, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"backend.type":                  BackendAuto,
		"backend.op_timeout":            "10s",
		"userspace.binary":              "wireguard-go",
		"userspace.args":                []string{"-f", "{name}"},
		"userspace.socket_dir":          "/var/run/wireguard",
		"userspace.ready_timeout":       "5s",
		"userspace.connect_retries":     10,
		"userspace.backoff_base":        "20ms",
		"userspace.backoff_max":         "500ms",
		"userspace.stop_timeout":        "3s",
		"userspace.detach":              false,
		"reconcile.interval":            "30s",
		"reconcile.concurrency":         4,
		"reconcile.restart_on_down":     true,
		"reconcile.snapshot_retention":  "720h",
		"reconcile.compaction_interval": "24h",
		"reconcile.expiry_interval":     "1m",
		"database.path":                 "/var/lib/wgsync/wgsync.db",
		"server.listen":                 "127.0.0.1:8420",
		"server.dev_mode":               false,
		"server.tls_mode":               "off",
		"server.tls_cert_dir":           "/var/lib/wgsync/certs",
		"logging.level":                 "info",
		"logging.format":                "json",
	}
}

func loadDefaults(k *koanf.Koanf) error {
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validate rejects values the rest of the program cannot work with.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendAuto, BackendKernel, BackendUserspace:
	default:
		return fmt.Errorf("validate config: backend.type %q must be one of auto, kernel, userspace", c.Backend.Type)
	}
	if c.Backend.OpTimeout <= 0 {
		return fmt.Errorf("validate config: backend.op_timeout must be positive")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("validate config: reconcile.interval must not be negative")
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("validate config: reconcile.concurrency must be at least 1")
	}
	if c.Reconcile.SnapshotRetention <= 0 || c.Reconcile.CompactionInterval <= 0 || c.Reconcile.ExpiryInterval <= 0 {
		return fmt.Errorf("validate config: reconcile.snapshot_retention, compaction_interval and expiry_interval must be positive")
	}
	if c.Userspace.ConnectRetries < 0 {
		return fmt.Errorf("validate config: userspace.connect_retries must not be negative")
	}
	switch c.Server.TLSMode {
	case "", "off", "self-signed", "acme":
	case "manual":
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			return fmt.Errorf("validate config: server.tls_mode manual needs tls_cert_file and tls_key_file")
		}
	default:
		return fmt.Errorf("validate config: server.tls_mode %q must be one of off, self-signed, manual, acme", c.Server.TLSMode)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("validate config: logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}
