package config

import "time"

// DefaultAppConfig returns an AppConfig struct with sensible default values
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			ListenAddr: "", // diagnostics server off unless asked for
		},
		Sync: SyncConfig{
			Factory:         "rwlock-local",
			NameMapper:      "gav",
			Discriminator:   "",
			Timeout:         30,
			TimeUnit:        "SECONDS",
			LocalRepository: "./.artilock/repository",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			DB:           0,
			KeyPrefix:    "artilock:lock:",
			LeaseTTL:     30 * time.Second,
			PollInterval: 50 * time.Millisecond,
		},
		Postgres: PostgresConfig{
			DSN:          "",
			PollInterval: 50 * time.Millisecond,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			SessionTTL:  60,
			Prefix:      "/artilock/locks/",
		},
		File: FileConfig{
			PollInterval: 50 * time.Millisecond,
		},
	}
}
