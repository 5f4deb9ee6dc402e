package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadBackendsConfig_Defaults(t *testing.T) {
	path := writeTemp(t, "backends.yaml", `
backends:
  - name: primary
    host: db1.internal
  - name: replica
    host: db2.internal
    pool_mode: transaction
    server_idle_timeout_sec: 30
`)

	cfg, err := LoadBackendsConfig(path)
	if err != nil {
		t.Fatalf("LoadBackendsConfig() error = %v", err)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("len(Backends) = %d, want 2", len(cfg.Backends))
	}

	primary := cfg.Backends[0]
	if primary.Port != 5432 {
		t.Errorf("primary.Port = %d, want 5432", primary.Port)
	}
	if primary.PoolMode != PoolModeSession {
		t.Errorf("primary.PoolMode = %q, want session", primary.PoolMode)
	}
	if primary.ServerIdleTimeout != 600 || primary.ServerLifetime != 3600 {
		t.Errorf("primary timeouts = %d/%d, want 600/3600", primary.ServerIdleTimeout, primary.ServerLifetime)
	}

	replica := cfg.Backends[1]
	if replica.ServerIdleTimeout != 30 {
		t.Errorf("replica.ServerIdleTimeout = %d, want 30", replica.ServerIdleTimeout)
	}
}

func TestLoadBackendsConfig_DuplicateName(t *testing.T) {
	path := writeTemp(t, "backends.yaml", `
backends:
  - name: primary
    host: db1.internal
  - name: primary
    host: db2.internal
`)
	_, err := LoadBackendsConfig(path)
	if err == nil {
		t.Fatalf("LoadBackendsConfig() error = nil, want duplicate name error")
	}
}

func TestLoadBackendsConfig_InvalidPoolMode(t *testing.T) {
	path := writeTemp(t, "backends.yaml", `
backends:
  - name: primary
    host: db1.internal
    pool_mode: bogus
`)
	_, err := LoadBackendsConfig(path)
	if err == nil {
		t.Fatalf("LoadBackendsConfig() error = nil, want invalid pool_mode error")
	}
}

func TestListenAddr_Normalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"6432", ":6432"},
		{":6432", ":6432"},
		{"127.0.0.1:6432", "127.0.0.1:6432"},
	}
	for _, tt := range tests {
		if got := normalizeListenAddr(tt.in); got != tt.want {
			t.Errorf("normalizeListenAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFieldMatcher_UnmarshalYAML_Shorthands(t *testing.T) {
	path := writeTemp(t, "routing.yaml", `
defaults:
  pool_size: 10
  pool_mode: session
routing:
  - user: alice
    backend: primary
  - user: ["bob", "carol"]
    backend: primary
  - database: "app_*"
    backend: primary
  - user: "~ ^svc_.*$"
    backend: primary
  - default: true
    backend: primary
`)
	cfg, err := LoadRoutingConfig(path)
	if err != nil {
		t.Fatalf("LoadRoutingConfig() error = %v", err)
	}
	if len(cfg.Rules) != 5 {
		t.Fatalf("len(Rules) = %d, want 5", len(cfg.Rules))
	}
	if cfg.Rules[0].User.Type != MatchExact || cfg.Rules[0].User.Value != "alice" {
		t.Errorf("rule 0 user = %+v", cfg.Rules[0].User)
	}
	if cfg.Rules[1].User.Type != MatchList || len(cfg.Rules[1].User.List) != 2 {
		t.Errorf("rule 1 user = %+v", cfg.Rules[1].User)
	}
	if cfg.Rules[2].Database.Type != MatchPrefix || cfg.Rules[2].Database.Value != "app_" {
		t.Errorf("rule 2 database = %+v", cfg.Rules[2].Database)
	}
	if cfg.Rules[3].User.Type != MatchRegex || cfg.Rules[3].User.Value != "^svc_.*$" {
		t.Errorf("rule 3 user = %+v", cfg.Rules[3].User)
	}
	if !cfg.Rules[4].IsDefault {
		t.Errorf("rule 4 IsDefault = false, want true")
	}
}
