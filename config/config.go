package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// EnvPrefix marks environment variables read by Load, e.g. SUPER_PORT
const EnvPrefix = "SUPER"

const (
	ContentCommand = "command"
	ContentFile    = "file"

	BackendSkipList = "skiplist"
	BackendRedis    = "redis"
)

var (
	ErrInvalidPort   = errors.New("port must be within 1024-65535")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all application configuration.
type Config struct {
	Port      int    `config:"port"`
	TrigMode  int    `config:"trig_mode"`
	TimeoutMS int    `config:"timeout_ms"`
	OptLinger bool   `config:"opt_linger"`
	Env       string `config:"env"`

	Workers        int     `config:"workers"`
	MaxConnections int     `config:"max_connections"`
	AcceptRate     float64 `config:"accept_rate"`

	RootDir     string `config:"root_dir"`
	ContentMode string `config:"content_mode"`

	AuthDSN       string `config:"auth_dsn"`
	AuthPoolSize  int    `config:"auth_pool_size"`
	AuthTimeoutMS int    `config:"auth_timeout_ms"`

	KVBackend  string `config:"kv_backend"`
	KVMaxLevel int    `config:"kv_max_level"`
	KVSnapshot string `config:"kv_snapshot"`
	RedisAddr  string `config:"redis_addr"`

	LogEnabled   bool   `config:"log_enabled"`
	LogLevel     string `config:"log_level"`
	LogDir       string `config:"log_dir"`
	LogQueueSize int    `config:"log_queue_size"`

	MetricsAddr string `config:"metrics_addr"`
}

// Default returns the configuration used when no source overrides it
func Default() *Config {
	return &Config{
		Port:          1316,
		TrigMode:      3,
		TimeoutMS:     60000,
		OptLinger:     false,
		Env:           "development",
		Workers:       6,
		ContentMode:   ContentFile,
		RootDir:       "./resources",
		AuthPoolSize:  12,
		AuthTimeoutMS: 2000,
		KVBackend:     BackendSkipList,
		KVMaxLevel:    12,
		LogEnabled:    true,
		LogLevel:      "info",
		LogQueueSize:  1024,
	}
}

// Load builds the configuration from defaults, then the JSON file named by
// -config, then SUPER_* environment variables, then flags given in args.
func Load(args []string) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet("super-server", flag.ContinueOnError)

	configFile := fs.String("config", "", "JSON configuration file")
	flagCfg := *def
	fs.IntVar(&flagCfg.Port, "port", def.Port, "listen port (1024-65535)")
	fs.IntVar(&flagCfg.TrigMode, "trig-mode", def.TrigMode, "0 LT/LT, 1 conn ET, 2 listen ET, 3 ET/ET")
	fs.IntVar(&flagCfg.TimeoutMS, "timeout-ms", def.TimeoutMS, "idle timeout in milliseconds, 0 disables")
	fs.BoolVar(&flagCfg.OptLinger, "opt-linger", def.OptLinger, "graceful close with SO_LINGER")
	fs.StringVar(&flagCfg.Env, "env", def.Env, "environment (development/production)")
	fs.IntVar(&flagCfg.Workers, "workers", def.Workers, "worker goroutines")
	fs.IntVar(&flagCfg.MaxConnections, "max-connections", def.MaxConnections, "connection limit, 0 for the default")
	fs.Float64Var(&flagCfg.AcceptRate, "accept-rate", def.AcceptRate, "accepted connections per second, 0 is unlimited")
	fs.StringVar(&flagCfg.RootDir, "root-dir", def.RootDir, "static file root")
	fs.StringVar(&flagCfg.ContentMode, "content-mode", def.ContentMode, "command or file")
	fs.StringVar(&flagCfg.AuthDSN, "auth-dsn", def.AuthDSN, "MySQL DSN for login/register, empty uses memory")
	fs.IntVar(&flagCfg.AuthPoolSize, "auth-pool-size", def.AuthPoolSize, "database connections")
	fs.IntVar(&flagCfg.AuthTimeoutMS, "auth-timeout-ms", def.AuthTimeoutMS, "credential query timeout in milliseconds")
	fs.StringVar(&flagCfg.KVBackend, "kv-backend", def.KVBackend, "skiplist or redis")
	fs.IntVar(&flagCfg.KVMaxLevel, "kv-max-level", def.KVMaxLevel, "skip list max level")
	fs.StringVar(&flagCfg.KVSnapshot, "kv-snapshot", def.KVSnapshot, "skip list snapshot file, empty disables")
	fs.StringVar(&flagCfg.RedisAddr, "redis-addr", def.RedisAddr, "redis address for the redis backend")
	fs.BoolVar(&flagCfg.LogEnabled, "log", def.LogEnabled, "enable logging")
	fs.StringVar(&flagCfg.LogLevel, "log-level", def.LogLevel, "debug, info, warn or error")
	fs.StringVar(&flagCfg.LogDir, "log-dir", def.LogDir, "directory for daily log files, empty logs to stdout")
	fs.IntVar(&flagCfg.LogQueueSize, "log-queue", def.LogQueueSize, "async log queue size, 0 is synchronous")
	fs.StringVar(&flagCfg.MetricsAddr, "metrics-addr", def.MetricsAddr, "address of the /metrics listener, empty disables")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if *configFile != "" {
		if err := m.LoadFromJSON(*configFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	// Flags given on the command line win over every other source
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		switch key {
		case "log":
			key = "log_enabled"
		case "log_queue":
			key = "log_queue_size"
		}
		m.Set(key, f.Value.String())
	})

	cfg := Default()
	if err := m.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field
func (c *Config) Validate() error {
	switch {
	case c.Port < 1024 || c.Port > 65535:
		return fmt.Errorf("port %d: %w", c.Port, ErrInvalidPort)
	case c.TrigMode < 0 || c.TrigMode > 3:
		return fmt.Errorf("%w: trig_mode %d not in 0-3", ErrInvalidConfig, c.TrigMode)
	case c.TimeoutMS < 0:
		return fmt.Errorf("%w: timeout_ms %d is negative", ErrInvalidConfig, c.TimeoutMS)
	case c.Workers < 0, c.MaxConnections < 0, c.AcceptRate < 0:
		return fmt.Errorf("%w: workers, max_connections and accept_rate must not be negative", ErrInvalidConfig)
	case c.ContentMode != ContentCommand && c.ContentMode != ContentFile:
		return fmt.Errorf("%w: content_mode %q", ErrInvalidConfig, c.ContentMode)
	case c.AuthPoolSize <= 0:
		return fmt.Errorf("%w: auth_pool_size must be positive", ErrInvalidConfig)
	case c.KVBackend != BackendSkipList && c.KVBackend != BackendRedis:
		return fmt.Errorf("%w: kv_backend %q", ErrInvalidConfig, c.KVBackend)
	case c.KVBackend == BackendRedis && c.RedisAddr == "":
		return fmt.Errorf("%w: redis backend needs redis_addr", ErrInvalidConfig)
	case c.LogQueueSize < 0:
		return fmt.Errorf("%w: log_queue_size is negative", ErrInvalidConfig)
	}
	return nil
}

// Timeout is the idle connection timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMS) * time.Millisecond
}

// CommandMode reports whether responses carry the body command result
func (c *Config) CommandMode() bool { return c.ContentMode == ContentCommand }
