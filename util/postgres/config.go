package postgres

import (
	"fmt"
)

// Config holds PostgreSQL connection settings for the archive store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full

	// MaxOpenConns caps concurrent connections; zero selects the default.
	MaxOpenConns int
	// MaxIdleConns caps pooled idle connections; zero selects the default.
	MaxIdleConns int
}

// DefaultConfig returns a configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "vpncore",
		Password: "vpncore",
		Database: "vpncore",
		SSLMode:  "disable",
	}
}

// ConnectionString returns a PostgreSQL connection string.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Validate checks if the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return nil
}
