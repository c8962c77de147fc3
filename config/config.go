// Package config provides configuration management for artilock.
// It handles loading and validating configuration from YAML or JSON files
// and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Sync     SyncConfig     `koanf:"sync"`
	Redis    RedisConfig    `koanf:"redis"`
	Postgres PostgresConfig `koanf:"postgres"`
	Etcd     EtcdConfig     `koanf:"etcd"`
	File     FileConfig     `koanf:"file"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds diagnostics server configuration. An empty address
// disables the server.
type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// SyncConfig selects the named lock backend and name mapper.
type SyncConfig struct {
	Factory         string `koanf:"factory"`
	NameMapper      string `koanf:"name_mapper"`
	Discriminator   string `koanf:"discriminator"`
	Timeout         int64  `koanf:"timeout"`
	TimeUnit        string `koanf:"time_unit"`
	LocalRepository string `koanf:"local_repository"`
}

// AcquireTimeout returns Timeout expressed in TimeUnit.
func (c SyncConfig) AcquireTimeout() (time.Duration, error) {
	unit, ok := timeUnits[strings.ToUpper(c.TimeUnit)]
	if !ok {
		return 0, fmt.Errorf("unknown time unit %q", c.TimeUnit)
	}
	if c.Timeout <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %d", c.Timeout)
	}
	return time.Duration(c.Timeout) * unit, nil
}

var timeUnits = map[string]time.Duration{
	"NANOSECONDS":  time.Nanosecond,
	"MICROSECONDS": time.Microsecond,
	"MILLISECONDS": time.Millisecond,
	"SECONDS":      time.Second,
	"MINUTES":      time.Minute,
	"HOURS":        time.Hour,
	"DAYS":         24 * time.Hour,
}

// RedisConfig holds the rwlock-redis and semaphore-redis settings
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	KeyPrefix    string        `koanf:"key_prefix"`
	LeaseTTL     time.Duration `koanf:"lease_ttl"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// PostgresConfig holds the rwlock-postgres settings
type PostgresConfig struct {
	DSN          string        `koanf:"dsn"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// EtcdConfig holds the rwlock-etcd settings
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	SessionTTL  int           `koanf:"session_ttl"` // seconds
	Prefix      string        `koanf:"prefix"`
}

// FileConfig holds the file-lock settings
type FileConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
}
