package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []string{"native"}, cfg.Market.AcceptedAssets)
	assert.Equal(t, int64(10), cfg.Rentals.FleetDiscount)
	assert.Empty(t, cfg.Cleanup.SweepSchedule)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  address: ":9090"
database:
  driver: postgres
  dsn: postgres://localhost/fleetmarket
rentals:
  fleet_discount: 25
  resolver: resolver-addr
  classes:
    - class: scout
      base_price: 100
      active: true
      promo_multiplier: 100
admins:
  - admin-addr
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(25), cfg.Rentals.FleetDiscount)
	assert.Equal(t, "resolver-addr", cfg.Rentals.Resolver)
	assert.Equal(t, []string{"admin-addr"}, cfg.Admins)
	require.Len(t, cfg.Rentals.Classes, 1)
	assert.Equal(t, "scout", cfg.Rentals.Classes[0].Class)
	// Untouched sections keep their defaults.
	assert.Equal(t, 50, cfg.HTTP.RequestsPerSecond)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":7070")
	t.Setenv("MARKET_ADMINS", "a, b ,")
	t.Setenv("FLEET_DISCOUNT", "30")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Address)
	assert.Equal(t, []string{"a", "b"}, cfg.Admins)
	assert.Equal(t, int64(30), cfg.Rentals.FleetDiscount)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"empty address", func(c *Config) { c.HTTP.Address = "" }},
		{"zero rate limit", func(c *Config) { c.HTTP.RequestsPerSecond = 0 }},
		{"discount over 100", func(c *Config) { c.Rentals.FleetDiscount = 101 }},
		{"no accepted assets", func(c *Config) { c.Market.AcceptedAssets = nil }},
		{"class without name", func(c *Config) {
			c.Rentals.Classes = []ShipClassConfig{{BasePrice: 1, PromoMultiplier: 1}}
		}},
		{"class with free price", func(c *Config) {
			c.Rentals.Classes = []ShipClassConfig{{Class: "scout", PromoMultiplier: 1}}
		}},
		{"negative audit buffer", func(c *Config) { c.AuditBuffer = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
