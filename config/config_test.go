package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vpn-enterprise/vpncore/tracker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  http_addr: ":8080"
  grpc_addr: ":9090"
balancer:
  load_ceiling: 0.85
health:
  check_interval_seconds: 10
  heartbeat_interval_seconds: 10
  degraded_misses: 2
  unhealthy_misses: 5
sessions:
  connect_timeout_seconds: 15
  sweep_interval_seconds: 30
  idle_timeout_seconds: 120
  device_policy: replace
stats:
  window_seconds: 60
etcd:
  endpoints: ["localhost:2379"]
  prefix: /vpncore/servers/
postgres:
  host: localhost
  port: 5432
  user: vpncore
  password: vpncore
  database: vpncore
  sslmode: disable
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Balancer.LoadCeiling != 0.85 {
		t.Errorf("LoadCeiling = %v; want 0.85", cfg.Balancer.LoadCeiling)
	}
	if !cfg.Etcd.Enabled() || cfg.GetEtcdAddress() != "localhost:2379" {
		t.Errorf("Etcd endpoint = %q; want localhost:2379", cfg.GetEtcdAddress())
	}
	if !cfg.Postgres.Enabled() {
		t.Error("Postgres should be enabled")
	}

	tc := cfg.SessionTracker()
	if tc.ConnectTimeout != 15*time.Second || tc.IdleTimeout != 120*time.Second {
		t.Errorf("Tracker timeouts = %v/%v; want 15s/120s", tc.ConnectTimeout, tc.IdleTimeout)
	}
	if tc.DevicePolicy != tracker.PolicyReplace {
		t.Errorf("DevicePolicy = %v; want replace", tc.DevicePolicy)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadConfig should fail for a missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad version", func(c *Config) { c.Version = 2 }},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"load ceiling above one", func(c *Config) { c.Balancer.LoadCeiling = 1.5 }},
		{"unknown device policy", func(c *Config) { c.Sessions.DevicePolicy = "drop" }},
		{"negative idle timeout", func(c *Config) { c.Sessions.IdleTimeoutSeconds = -1 }},
		{"postgres without user", func(c *Config) {
			c.Postgres.Host = "localhost"
			c.Postgres.Port = 5432
			c.Postgres.Database = "vpncore"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should have failed")
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config invalid: %v", err)
	}
}

func TestZeroDurationsDeferToComponentDefaults(t *testing.T) {
	tc := Default().SessionTracker()
	if tc.ConnectTimeout != 0 || tc.SweepInterval != 0 {
		t.Errorf("Unset durations should stay zero for the component defaults, got %v/%v", tc.ConnectTimeout, tc.SweepInterval)
	}
}
