package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Relay.Port = 0 }},
		{"port too high", func(c *Config) { c.Relay.Port = 70000 }},
		{"bad bind address", func(c *Config) { c.Relay.Bind = "not-an-ip" }},
		{"negative idle", func(c *Config) { c.Relay.RoomIdleSec = -1 }},
		{"turn secret without uris", func(c *Config) { c.Relay.TurnSecret = "s3cret" }},
		{"turn secret without ttl", func(c *Config) {
			c.Relay.TurnSecret = "s3cret"
			c.Relay.TurnURIs = []string{"turn:t.example.org:3478"}
			c.Relay.TurnTTLSec = 0
		}},
		{"bad external url scheme", func(c *Config) { c.Relay.ExternalURL = "ftp://relay.example.org" }},
		{"empty relay url", func(c *Config) { c.Client.RelayURL = "" }},
		{"relay url bad port", func(c *Config) { c.Client.RelayURL = "http://relay.example.org:99999" }},
		{"bad ice uri", func(c *Config) { c.Client.IceServers = []string{"http://stun.example.org"} }},
		{"display name with newline", func(c *Config) { c.Profile.DisplayName = "li\nne" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsTurnBlock(t *testing.T) {
	cfg := Default()
	cfg.Relay.TurnSecret = "s3cret"
	cfg.Relay.TurnURIs = []string{"turn:t.example.org:3478?transport=udp"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("turn block rejected: %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh config file")
	}
	if cfg.Relay.Port != 8989 {
		t.Fatalf("port = %d, want default 8989", cfg.Relay.Port)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created {
		t.Fatalf("second ensure recreated the file")
	}
	if cfg2.Relay.Port != cfg.Relay.Port || cfg2.Profile.DisplayName != cfg.Profile.DisplayName {
		t.Fatalf("reloaded config differs: %+v vs %+v", cfg2, cfg)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.json")
	body := `{"relay":{"port":9001},"profile":{"display_name":"Dana"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.Port != 9001 {
		t.Fatalf("port = %d, want 9001", cfg.Relay.Port)
	}
	if cfg.Profile.DisplayName != "Dana" {
		t.Fatalf("display name = %q", cfg.Profile.DisplayName)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Client.RelayURL != "http://127.0.0.1:8989" {
		t.Fatalf("relay url = %q, want default", cfg.Client.RelayURL)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q, want default info", cfg.Log.Level)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"relay":{"port":9002}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
	if cfg.Relay.Port != 9002 {
		t.Fatalf("port = %d, want 9002", cfg.Relay.Port)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.json")
	cfg := Default()
	cfg.Relay.Port = 0
	if err := Save(path, cfg); err == nil {
		t.Fatalf("saved an invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("invalid config reached disk")
	}
}
