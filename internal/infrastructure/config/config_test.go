package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectivity.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: "gw-7"
database:
  path: "/tmp/connectivity-test.db"
api:
  port: 9090
security:
  jwt:
    secret: "`+testSecret+`"
connectivity:
  init_timeout: 2s
  ack_timeout: 1m
  kafka:
    version: "3.6.0"
  http_push:
    requests_per_second: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Instance.ID != "gw-7" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "gw-7")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Connectivity.InitTimeout != 2*time.Second {
		t.Errorf("InitTimeout = %v, want 2s", cfg.Connectivity.InitTimeout)
	}
	if cfg.Connectivity.AckTimeout != time.Minute {
		t.Errorf("AckTimeout = %v, want 1m", cfg.Connectivity.AckTimeout)
	}
	if cfg.Connectivity.Kafka.Version != "3.6.0" {
		t.Errorf("Kafka.Version = %q", cfg.Connectivity.Kafka.Version)
	}
	if cfg.Connectivity.HTTPPush.RequestsPerSecond != 5 {
		t.Errorf("HTTPPush.RequestsPerSecond = %v", cfg.Connectivity.HTTPPush.RequestsPerSecond)
	}
	// Untouched values keep their defaults.
	if cfg.Connectivity.ConnectingTimeout != 10*time.Second {
		t.Errorf("ConnectingTimeout = %v, want default 10s", cfg.Connectivity.ConnectingTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/connectivity.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "invalid: [yaml: content")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: ""
security:
  jwt:
    secret: "short"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"instance.id is required", "at least 32 characters"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/from/file.db"
security:
  jwt:
    secret: "`+testSecret+`"
`)
	t.Setenv("CONNECTIVITY_DATABASE_PATH", "/from/env.db")
	t.Setenv("CONNECTIVITY_DATABASE_BUSY_TIMEOUT", "9")
	t.Setenv("CONNECTIVITY_API_PORT", "7070")
	t.Setenv("CONNECTIVITY_INFLUXDB_TOKEN", "influx-token")
	t.Setenv("CONNECTIVITY_CONNECTIVITY_INIT_TIMEOUT", "750ms")
	t.Setenv("CONNECTIVITY_CONNECTIVITY_MQTT_CLIENT_ID_PREFIX", "edge-")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/from/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Database.BusyTimeout != 9 {
		t.Errorf("Database.BusyTimeout = %d, want 9", cfg.Database.BusyTimeout)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("API.Port = %d, want 7070", cfg.API.Port)
	}
	if cfg.InfluxDB.Token != "influx-token" {
		t.Errorf("InfluxDB.Token = %q", cfg.InfluxDB.Token)
	}
	if cfg.Connectivity.InitTimeout != 750*time.Millisecond {
		t.Errorf("InitTimeout = %v, want 750ms", cfg.Connectivity.InitTimeout)
	}
	if cfg.Connectivity.MQTT.ClientIDPrefix != "edge-" {
		t.Errorf("MQTT.ClientIDPrefix = %q", cfg.Connectivity.MQTT.ClientIDPrefix)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("CONNECTIVITY_SECURITY_JWT_SECRET", testSecret)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Database.Path != Default().Database.Path {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Security.JWT.Secret = testSecret
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "port out of range", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "tls without files", mutate: func(c *Config) { c.API.TLS.Enabled = true }, wantErr: "api.tls"},
		{name: "influx without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: "influxdb.url"},
		{name: "missing secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "CONNECTIVITY_SECURITY_JWT_SECRET"},
		{name: "zero init timeout", mutate: func(c *Config) { c.Connectivity.InitTimeout = 0 }, wantErr: "connectivity.init_timeout"},
		{name: "negative ack timeout", mutate: func(c *Config) { c.Connectivity.AckTimeout = -time.Second }, wantErr: "connectivity.ack_timeout"},
		{name: "zero pool", mutate: func(c *Config) { c.Connectivity.ProcessorPoolSize = 0 }, wantErr: "processor_pool_size"},
		{name: "zero mailbox", mutate: func(c *Config) { c.Connectivity.MailboxSize = 0 }, wantErr: "mailbox_size"},
		{name: "zero push rate", mutate: func(c *Config) { c.Connectivity.HTTPPush.RequestsPerSecond = 0 }, wantErr: "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Timeouts(t *testing.T) {
	c := Default()
	if c.ReadTimeout() != 30*time.Second {
		t.Errorf("ReadTimeout() = %v", c.ReadTimeout())
	}
	if c.WriteTimeout() != 30*time.Second {
		t.Errorf("WriteTimeout() = %v", c.WriteTimeout())
	}
	if c.IdleTimeout() != time.Minute {
		t.Errorf("IdleTimeout() = %v", c.IdleTimeout())
	}
}
