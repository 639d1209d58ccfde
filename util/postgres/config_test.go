package postgres

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Host != "localhost" || cfg.Port != 5432 {
		t.Errorf("Default endpoint = %s:%d; want localhost:5432", cfg.Host, cfg.Port)
	}
}

func TestConnectionString(t *testing.T) {
	cfg := &Config{
		Host:     "db.internal",
		Port:     5433,
		User:     "vpn",
		Password: "secret",
		Database: "fleet",
		SSLMode:  "require",
	}
	got := cfg.ConnectionString()
	for _, part := range []string{"host=db.internal", "port=5433", "user=vpn", "dbname=fleet", "sslmode=require"} {
		if !strings.Contains(got, part) {
			t.Errorf("Connection string %q missing %q", got, part)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing host", func(c *Config) { c.Host = "" }, false},
		{"bad port", func(c *Config) { c.Port = 0 }, false},
		{"missing user", func(c *Config) { c.User = "" }, false},
		{"missing database", func(c *Config) { c.Database = "" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate failed: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate should have failed")
			}
		})
	}
}

func TestValidateFillsPoolDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.MaxOpenConns != 25 || cfg.MaxIdleConns != 5 {
		t.Errorf("Pool defaults = %d/%d; want 25/5", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
}
