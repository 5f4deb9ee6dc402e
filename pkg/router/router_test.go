package router

import (
	"testing"

	"github.com/pgpooler/pgpooler/pkg/config"
)

func backends() config.BackendsConfig {
	return config.BackendsConfig{
		Backends: []config.BackendEntry{
			{Name: "primary", Host: "db1", Port: 5432, PoolSize: 20, PoolMode: config.PoolModeTransaction},
			{Name: "replica", Host: "db2", Port: 5432, PoolSize: 10, PoolMode: config.PoolModeSession},
		},
	}
}

func TestRouter_ExactUserMatch(t *testing.T) {
	routing := config.RoutingConfig{
		Defaults: config.Defaults{PoolSize: 5, PoolMode: config.PoolModeSession},
		Rules: []config.RoutingRule{
			{User: &config.FieldMatcher{Type: config.MatchExact, Value: "alice"}, BackendName: "replica"},
			{IsDefault: true, BackendName: "primary"},
		},
	}
	r, err := New(backends(), routing)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, ok := r.Resolve("alice", "app")
	if !ok || got.Name != "replica" {
		t.Fatalf("Resolve(alice) = %+v, %v, want replica", got, ok)
	}

	got, ok = r.Resolve("bob", "app")
	if !ok || got.Name != "primary" {
		t.Fatalf("Resolve(bob) = %+v, %v, want primary (default)", got, ok)
	}
}

func TestRouter_DefaultRuleBeforeSpecificRule(t *testing.T) {
	routing := config.RoutingConfig{
		Defaults: config.Defaults{PoolMode: config.PoolModeSession},
		Rules: []config.RoutingRule{
			{IsDefault: true, BackendName: "primary"},
			{User: &config.FieldMatcher{Type: config.MatchExact, Value: "alice"}, BackendName: "replica"},
		},
	}
	r, err := New(backends(), routing)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The default rule sits first in the list, so first-match-wins gives it
	// the match even for a user that the later, more specific rule would
	// otherwise have claimed.
	got, ok := r.Resolve("alice", "app")
	if !ok || got.Name != "primary" {
		t.Fatalf("Resolve(alice) = %+v, %v, want primary (earlier default rule wins)", got, ok)
	}
}

func TestRouter_ListAndPrefixAndRegex(t *testing.T) {
	routing := config.RoutingConfig{
		Defaults: config.Defaults{PoolMode: config.PoolModeSession},
		Rules: []config.RoutingRule{
			{User: &config.FieldMatcher{Type: config.MatchList, List: []string{"bob", "carol"}}, BackendName: "replica"},
			{Database: &config.FieldMatcher{Type: config.MatchPrefix, Value: "test_"}, BackendName: "replica"},
			{User: &config.FieldMatcher{Type: config.MatchRegex, Value: "^svc_.*$"}, BackendName: "primary"},
		},
	}
	r, err := New(backends(), routing)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got, ok := r.Resolve("carol", "app"); !ok || got.Name != "replica" {
		t.Errorf("Resolve(carol) = %+v, %v", got, ok)
	}
	if got, ok := r.Resolve("dave", "test_suite"); !ok || got.Name != "replica" {
		t.Errorf("Resolve(dave, test_suite) = %+v, %v", got, ok)
	}
	if got, ok := r.Resolve("svc_billing", "app"); !ok || got.Name != "primary" {
		t.Errorf("Resolve(svc_billing) = %+v, %v", got, ok)
	}
	if _, ok := r.Resolve("nobody", "app"); ok {
		t.Errorf("Resolve(nobody) ok = true, want false (no match, no default)")
	}
}

func TestRouter_PoolOverrides(t *testing.T) {
	routing := config.RoutingConfig{
		Defaults: config.Defaults{PoolSize: 5, PoolMode: config.PoolModeSession},
		Rules: []config.RoutingRule{
			{IsDefault: true, BackendName: "primary", PoolSizeOverride: 99, PoolModeOverride: config.PoolModeStatement},
		},
	}
	r, err := New(backends(), routing)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, ok := r.Resolve("anyone", "anything")
	if !ok {
		t.Fatalf("Resolve() ok = false")
	}
	if got.PoolSize != 99 {
		t.Errorf("PoolSize = %d, want 99 (rule override)", got.PoolSize)
	}
	if got.PoolMode != config.PoolModeStatement {
		t.Errorf("PoolMode = %q, want statement (rule override)", got.PoolMode)
	}
}

func TestRouter_SingleBackendNoRules(t *testing.T) {
	single := config.BackendsConfig{Backends: []config.BackendEntry{
		{Name: "only", Host: "db1", Port: 5432, PoolMode: config.PoolModeSession},
	}}
	r, err := New(single, config.RoutingConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, ok := r.Resolve("anyone", "anything")
	if !ok || got.Name != "only" {
		t.Fatalf("Resolve() = %+v, %v, want only", got, ok)
	}
}

func TestRouter_UnknownBackendInRule(t *testing.T) {
	routing := config.RoutingConfig{Rules: []config.RoutingRule{
		{IsDefault: true, BackendName: "ghost"},
	}}
	_, err := New(backends(), routing)
	if err == nil {
		t.Fatalf("New() error = nil, want unknown backend error")
	}
}
