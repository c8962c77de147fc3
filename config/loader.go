package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "ARTILOCK_"

// LoadConfigFromFile loads configuration from multiple sources with strict priority:
// 1. Environment variables (highest priority)
// 2. The given config file, or artilock.yaml, artilock.yml or artilock.json
//    in the working directory when the path is empty
// 3. Defaults (lowest priority)
func LoadConfigFromFile(configFilePath string) (AppConfig, error) {
	k := koanf.New(".")

	// Load default configuration first
	if err := k.Load(structs.Provider(DefaultAppConfig(), "koanf"), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err != nil {
			return AppConfig{}, fmt.Errorf("specified config file %s not found: %w", configFilePath, err)
		}
		if err := loadFile(k, configFilePath); err != nil {
			return AppConfig{}, err
		}
	} else {
		for _, configFile := range []string{"artilock.yaml", "artilock.yml", "artilock.json"} {
			if _, err := os.Stat(configFile); err == nil {
				if err := loadFile(k, configFile); err != nil {
					return AppConfig{}, err
				}
				break
			}
		}
	}

	// ARTILOCK_SYNC_NAME_MAPPER -> sync.name_mapper: the first underscore
	// separates the section, the rest belong to the key.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser = yaml.Parser()
	if strings.HasSuffix(path, ".json") {
		parser = json.Parser()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks that the selected backend and mapper are configured.
// Whether the names are known is checked when the sync factory is built.
func Validate(cfg *AppConfig) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console")
	}

	if cfg.Sync.Factory == "" {
		return fmt.Errorf("sync.factory is required")
	}
	if cfg.Sync.NameMapper == "" {
		return fmt.Errorf("sync.name_mapper is required")
	}
	if _, err := cfg.Sync.AcquireTimeout(); err != nil {
		return fmt.Errorf("sync.timeout: %w", err)
	}

	switch cfg.Sync.Factory {
	case "rwlock-redis", "semaphore-redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for %s", cfg.Sync.Factory)
		}
	case "rwlock-postgres":
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for %s", cfg.Sync.Factory)
		}
	case "rwlock-etcd":
		if len(cfg.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required for %s", cfg.Sync.Factory)
		}
	case "file-lock":
		// Lock names are file paths only with the file mappers.
		if cfg.Sync.NameMapper != "file-gav" && cfg.Sync.NameMapper != "file-hgav" {
			return fmt.Errorf("sync.name_mapper must be file-gav or file-hgav for %s, got %s", cfg.Sync.Factory, cfg.Sync.NameMapper)
		}
	}

	return nil
}
