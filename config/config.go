// Package config loads the coordinator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vpn-enterprise/vpncore/health"
	"github.com/vpn-enterprise/vpncore/stats"
	"github.com/vpn-enterprise/vpncore/tracker"
	"github.com/vpn-enterprise/vpncore/util/postgres"
)

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	CheckIntervalSeconds     int     `yaml:"check_interval_seconds"`
	HeartbeatIntervalSeconds int     `yaml:"heartbeat_interval_seconds"`
	DegradedMisses           int     `yaml:"degraded_misses"`
	UnhealthyMisses          int     `yaml:"unhealthy_misses"`
	ErrorRateThreshold       float64 `yaml:"error_rate_threshold"`
}

// SessionConfig tunes session lifecycle handling.
type SessionConfig struct {
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	SweepIntervalSeconds  int    `yaml:"sweep_interval_seconds"`
	IdleTimeoutSeconds    int    `yaml:"idle_timeout_seconds"`
	DevicePolicy          string `yaml:"device_policy"` // reject or replace
	HistoryLimit          int    `yaml:"history_limit"`
}

// StatsConfig tunes throughput aggregation.
type StatsConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// BalancerConfig tunes server selection.
type BalancerConfig struct {
	// LoadCeiling excludes servers at or above this load ratio from
	// selection. Zero selects the default of 0.9.
	LoadCeiling float64 `yaml:"load_ceiling"`
}

// EtcdConfig points at the provisioning store.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// PostgresConfig holds archive database connection settings.
type PostgresConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	User                 string `yaml:"user"`
	Password             string `yaml:"password"`
	Database             string `yaml:"database"`
	SSLMode              string `yaml:"sslmode"` // Use "require" in production
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

// ServerConfig holds the coordinator's listen addresses.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Config is the root configuration structure.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Balancer BalancerConfig `yaml:"balancer"`
	Health   HealthConfig   `yaml:"health"`
	Sessions SessionConfig  `yaml:"sessions"`
	Stats    StatsConfig    `yaml:"stats"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server http_addr is required")
	}

	if c.Balancer.LoadCeiling < 0 || c.Balancer.LoadCeiling > 1 {
		return fmt.Errorf("balancer load_ceiling must be within [0, 1]")
	}

	switch c.Sessions.DevicePolicy {
	case "", string(tracker.PolicyReject), string(tracker.PolicyReplace):
	default:
		return fmt.Errorf("unsupported device_policy: %s (reject or replace)", c.Sessions.DevicePolicy)
	}

	for name, v := range map[string]int{
		"health check_interval_seconds":     c.Health.CheckIntervalSeconds,
		"health heartbeat_interval_seconds": c.Health.HeartbeatIntervalSeconds,
		"sessions connect_timeout_seconds":  c.Sessions.ConnectTimeoutSeconds,
		"sessions sweep_interval_seconds":   c.Sessions.SweepIntervalSeconds,
		"sessions idle_timeout_seconds":     c.Sessions.IdleTimeoutSeconds,
		"stats window_seconds":              c.Stats.WindowSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Etcd.Enabled() && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}

	if c.Postgres.Enabled() {
		if c.Postgres.Port <= 0 {
			return fmt.Errorf("postgres port must be positive")
		}
		if c.Postgres.User == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres user and database are required")
		}
	}

	return nil
}

// Enabled reports whether provisioning via etcd is configured.
func (c *EtcdConfig) Enabled() bool {
	return len(c.Endpoints) > 0
}

// Enabled reports whether the archive database is configured.
func (c *PostgresConfig) Enabled() bool {
	return c.Host != ""
}

// GetEtcdAddress returns the first etcd endpoint address.
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) > 0 {
		return c.Etcd.Endpoints[0]
	}
	return ""
}

// HealthMonitor maps the health section onto a monitor configuration.
func (c *Config) HealthMonitor() health.Config {
	return health.Config{
		CheckInterval:      time.Duration(c.Health.CheckIntervalSeconds) * time.Second,
		HeartbeatInterval:  time.Duration(c.Health.HeartbeatIntervalSeconds) * time.Second,
		DegradedMisses:     c.Health.DegradedMisses,
		UnhealthyMisses:    c.Health.UnhealthyMisses,
		ErrorRateThreshold: c.Health.ErrorRateThreshold,
	}
}

// StatsAggregator maps the stats section onto an aggregator configuration.
func (c *Config) StatsAggregator() stats.Config {
	return stats.Config{
		Window: time.Duration(c.Stats.WindowSeconds) * time.Second,
	}
}

// PostgresStore maps the postgres section onto a store configuration.
func (c *Config) PostgresStore() *postgres.Config {
	return &postgres.Config{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		Database: c.Postgres.Database,
		SSLMode:  c.Postgres.SSLMode,
	}
}

// SessionTracker maps the session section onto a tracker configuration.
func (c *Config) SessionTracker() tracker.Config {
	return tracker.Config{
		ConnectTimeout: time.Duration(c.Sessions.ConnectTimeoutSeconds) * time.Second,
		SweepInterval:  time.Duration(c.Sessions.SweepIntervalSeconds) * time.Second,
		IdleTimeout:    time.Duration(c.Sessions.IdleTimeoutSeconds) * time.Second,
		DevicePolicy:   tracker.DevicePolicy(c.Sessions.DevicePolicy),
		HistoryLimit:   c.Sessions.HistoryLimit,
	}
}
