package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix      = "ROSTRA_"
	ConfigPathEnv  = "CONFIG_PATH"
	defaultCfgPath = "config.yaml"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Chat     ChatConfig     `koanf:"chat"`
	Log      LogConfig      `koanf:"log"`

	// SigningKey is auth.signing_key decoded.
	SigningKey []byte `koanf:"-"`
}

type ServerConfig struct {
	Addr             string        `koanf:"addr"`
	AllowedOrigins   []string      `koanf:"allowed_origins"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	SearchRateLimit  int           `koanf:"search_rate_limit"`
	SearchRateWindow time.Duration `koanf:"search_rate_window"`
}

type DatabaseConfig struct {
	// Driver is postgres or memory.
	Driver  string `koanf:"driver"`
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

type RedisConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
	TTL      time.Duration `koanf:"ttl"`
}

type AuthConfig struct {
	// SigningKey is the base64 encoded HMAC key for bearer tokens.
	SigningKey string `koanf:"signing_key"`
}

type ChatConfig struct {
	MaxSubscriptions int           `koanf:"max_subscriptions"`
	RateLimit        int           `koanf:"rate_limit"`
	RateWindow       time.Duration `koanf:"rate_window"`
	StoreTimeout     time.Duration `koanf:"store_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8000",
			AllowedOrigins:   []string{"http://localhost:3000"},
			ShutdownTimeout:  10 * time.Second,
			SearchRateLimit:  30,
			SearchRateWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Migrate: true,
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
			Timeout: 2 * time.Second,
			TTL:     24 * time.Hour,
		},
		Chat: ChatConfig{
			MaxSubscriptions: 50,
			RateLimit:        30,
			RateWindow:       time.Minute,
			StoreTimeout:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// sliceKeys arrive from the environment as comma separated strings.
var sliceKeys = []string{"server.allowed_origins"}

// Load layers struct defaults, an optional YAML file and ROSTRA_ environment
// variables, in that order of precedence. An empty path falls back to
// $CONFIG_PATH and then ./config.yaml when present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path = resolvePath(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePath returns the file to load, or "" when no file was asked for and
// the default one is absent.
func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	if _, err := os.Stat(defaultCfgPath); err == nil {
		return defaultCfgPath
	}
	return ""
}

// envKey maps ROSTRA_SERVER__ADDR to server.addr. A double underscore
// separates levels so single underscores survive in key names.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when redis is enabled")
	}

	if c.Auth.SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}
	key, err := decodeSigningSecret(c.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = key

	if c.Chat.MaxSubscriptions <= 0 {
		return fmt.Errorf("chat.max_subscriptions must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return fmt.Errorf("chat.rate_limit and chat.rate_window must be positive")
	}
	if c.Chat.StoreTimeout <= 0 {
		return fmt.Errorf("chat.store_timeout must be positive")
	}

	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty key")
	}
	return key, nil
}
