// Package config loads the server configuration from a yaml file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ShipClassConfig seeds pricing for one protocol rental class.
type ShipClassConfig struct {
	Class           string `yaml:"class"`
	BasePrice       int64  `yaml:"base_price"`
	Active          bool   `yaml:"active"`
	PromoMultiplier int64  `yaml:"promo_multiplier"`
}

// Config is the server configuration.
type Config struct {
	HTTP struct {
		Address           string   `yaml:"address"`
		RequestsPerSecond int      `yaml:"requests_per_second"`
		Burst             int      `yaml:"burst"`
		AllowedOrigins    []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	Database struct {
		// Driver is "memory" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Address string `yaml:"address"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	Market struct {
		Custody        string   `yaml:"custody"`
		AcceptedAssets []string `yaml:"accepted_assets"`
	} `yaml:"market"`

	Rentals struct {
		RentAsset     string            `yaml:"rent_asset"`
		FleetDiscount int64             `yaml:"fleet_discount"`
		Resolver      string            `yaml:"resolver"`
		Classes       []ShipClassConfig `yaml:"classes"`
	} `yaml:"rentals"`

	Cleanup struct {
		Cleaner       string `yaml:"cleaner"`
		SweepSchedule string `yaml:"sweep_schedule"`
	} `yaml:"cleanup"`

	Admins      []string `yaml:"admins"`
	AuditBuffer int      `yaml:"audit_buffer"`
	LogLevel    string   `yaml:"log_level"`
}

// Default returns a configuration suitable for local development: in-memory
// stores, native-asset payments only, no sweeper.
func Default() Config {
	var cfg Config
	cfg.HTTP.Address = ":8080"
	cfg.HTTP.RequestsPerSecond = 50
	cfg.HTTP.Burst = 100
	cfg.Database.Driver = "memory"
	cfg.Market.AcceptedAssets = []string{"native"}
	cfg.Rentals.RentAsset = "native"
	cfg.Rentals.FleetDiscount = 10
	cfg.AuditBuffer = 1000
	cfg.LogLevel = "info"
	return cfg
}

// Load reads the configuration file, falling back to defaults when path is
// empty, then applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("REDIS_CHANNEL"); v != "" {
		c.Redis.Channel = v
	}
	if v := os.Getenv("MARKET_ADMINS"); v != "" {
		c.Admins = splitList(v)
	}
	if v := os.Getenv("MARKET_ACCEPTED_ASSETS"); v != "" {
		c.Market.AcceptedAssets = splitList(v)
	}
	if v := os.Getenv("RENTAL_RESOLVER"); v != "" {
		c.Rentals.Resolver = v
	}
	if v := os.Getenv("FLEET_DISCOUNT"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Rentals.FleetDiscount = parsed
		}
	}
	if v := os.Getenv("CLEANUP_SWEEP_SCHEDULE"); v != "" {
		c.Cleanup.SweepSchedule = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks bounds the services assume at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.HTTP.Address == "" {
		return fmt.Errorf("http address must be set")
	}
	if c.HTTP.RequestsPerSecond <= 0 || c.HTTP.Burst <= 0 {
		return fmt.Errorf("rate limit parameters must be positive")
	}
	if c.Rentals.FleetDiscount < 0 || c.Rentals.FleetDiscount > 100 {
		return fmt.Errorf("fleet discount must be within [0,100]")
	}
	if len(c.Market.AcceptedAssets) == 0 {
		return fmt.Errorf("at least one accepted payment asset is required")
	}
	for _, sc := range c.Rentals.Classes {
		if sc.Class == "" {
			return fmt.Errorf("rental class name must be set")
		}
		if sc.BasePrice <= 0 {
			return fmt.Errorf("rental class %s: base price must be positive", sc.Class)
		}
		if sc.PromoMultiplier <= 0 {
			return fmt.Errorf("rental class %s: promo multiplier must be positive", sc.Class)
		}
	}
	if c.AuditBuffer < 0 {
		return fmt.Errorf("audit buffer must not be negative")
	}
	return nil
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and background
// services.
const ShutdownTimeout = 15 * time.Second

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
