package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/logger"
	"github.com/songzhibin97/approval-engine/types"
)

// EnvPrefix prefixes environment overrides, e.g. APPROVAL_STORAGE_DRIVER.
const EnvPrefix = "APPROVAL"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config is the engine process configuration, read from YAML and
// APPROVAL_* environment variables.
type Config struct {
	Definitions string        `mapstructure:"definitions"`
	Storage     StorageConfig `mapstructure:"storage"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Events      EventsConfig  `mapstructure:"events"`
	Log         logger.Config `mapstructure:"log"`
}

// StorageConfig selects the flow instance store. DSN is used by the mysql
// and sqlite drivers.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig holds the client options for the redis driver.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EventsConfig sizes the event bus queue and bounds synchronous delivery.
type EventsConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("definitions", "")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)
	v.SetDefault("events.buffer_size", 100)
	v.SetDefault("events.sync_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", false)
}

// Load reads the config file at path, if any, then applies APPROVAL_*
// environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the storage driver and the settings it needs.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis storage needs redis.addr")
		}
	case DriverMySQL, DriverSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%s storage needs storage.dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Definitions is the content of an approval definitions file: the approval
// chains and, for setups without an external user service, the role holders.
type Definitions struct {
	ApprovalTypes []types.ApprovalType `yaml:"approval_types"`
	Users         []directory.User     `yaml:"users"`
}

// LoadDefinitions parses a YAML definitions file and validates every type.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("failed to read definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions is LoadDefinitions for in-memory content.
func ParseDefinitions(data []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("failed to parse definitions: %w", err)
	}
	seen := make(map[string]bool, len(defs.ApprovalTypes))
	for _, def := range defs.ApprovalTypes {
		if seen[def.ID] {
			return Definitions{}, fmt.Errorf("approval type %s is defined twice", def.ID)
		}
		seen[def.ID] = true
		if err := def.Validate(); err != nil {
			return Definitions{}, err
		}
	}
	return defs, nil
}
