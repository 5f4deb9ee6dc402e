// Package config loads pgpooler's YAML configuration files: the main
// application config, logging config, backend list, and routing rules.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PoolMode governs when a backend connection is returned to the pool.
type PoolMode string

const (
	// PoolModeSession never returns a backend mid-session; one client owns
	// it until disconnect.
	PoolModeSession PoolMode = "session"
	// PoolModeTransaction returns the backend once ReadyForQuery reports
	// TxIdle (outside any transaction).
	PoolModeTransaction PoolMode = "transaction"
	// PoolModeStatement returns the backend on every ReadyForQuery.
	PoolModeStatement PoolMode = "statement"
)

func (m PoolMode) valid() bool {
	switch m {
	case PoolModeSession, PoolModeTransaction, PoolModeStatement:
		return true
	default:
		return false
	}
}

// BackendEntry describes one PostgreSQL server pgpooler can proxy to.
type BackendEntry struct {
	Name               string   `yaml:"name"`
	Host               string   `yaml:"host"`
	Port               uint16   `yaml:"port"`
	PoolSize           uint     `yaml:"pool_size"` // 0 = unlimited
	PoolMode           PoolMode `yaml:"pool_mode"`
	ServerIdleTimeout  uint     `yaml:"server_idle_timeout_sec"` // 0 in file = apply default (600)
	ServerLifetime     uint     `yaml:"server_lifetime_sec"`     // 0 in file = apply default (3600)
	QueryWaitTimeout   uint     `yaml:"query_wait_timeout_sec"`  // 0 = the wait queue's 60s default
	DiscardAllOnRenew  bool     `yaml:"discard_all_on_reuse"`
}

// ListenAddr is a "host:port" address, normalizing bare port numbers (e.g.
// "6432" or ":6432") into the form net.Listen expects.
type ListenAddr string

// UnmarshalYAML normalizes the listen address string.
func (l *ListenAddr) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	*l = ListenAddr(normalizeListenAddr(s))
	return nil
}

func normalizeListenAddr(s string) string {
	if !strings.Contains(s, ":") {
		return ":" + s
	}
	return s
}

// WorkerEntry names the backends a worker process owns. Present only when
// running in dispatcher+worker mode.
type WorkerEntry struct {
	Backends []string `yaml:"backends"`
}

// AppConfig is the top-level application config.
type AppConfig struct {
	Listen             ListenAddr    `yaml:"listen"`
	LoggingConfigPath  string        `yaml:"logging_config"`
	BackendsConfigPath string        `yaml:"backends_config"`
	RoutingConfigPath  string        `yaml:"routing_config"`
	AdminListen        ListenAddr    `yaml:"admin_listen"`
	TracingConfigPath  string        `yaml:"tracing_config"`
	Workers            []WorkerEntry `yaml:"workers,omitempty"`
}

// LoggingConfig configures slog output. cmd/pgpooler applies Level and
// Format only and always logs to stdout; Destination and FilePath are
// parsed but not acted on.
type LoggingConfig struct {
	Level       string `yaml:"level"`        // debug, info, warn, error
	Destination string `yaml:"destination"`  // "stderr" or "file"
	FilePath    string `yaml:"file_path"`
	Format      string `yaml:"format"` // "text" or "json"
}

// BackendsConfig lists the PostgreSQL servers pgpooler can proxy to.
type BackendsConfig struct {
	Backends []BackendEntry `yaml:"backends"`
}

// Defaults are the pool_size/pool_mode applied when a routing rule doesn't
// override them and the matched backend doesn't specify its own.
type Defaults struct {
	PoolSize uint     `yaml:"pool_size"`
	PoolMode PoolMode `yaml:"pool_mode"`
}

// RoutingConfig holds the pool defaults and ordered routing rules. Backend
// names in rules refer to entries in BackendsConfig.
type RoutingConfig struct {
	Defaults Defaults     `yaml:"defaults"`
	Rules    []RoutingRule `yaml:"routing"`
}

// MatchType selects how a FieldMatcher compares against an incoming
// user/database name.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchList   MatchType = "list"
	MatchPrefix MatchType = "prefix"
	MatchRegex  MatchType = "regex"
)

// FieldMatcher matches a startup parameter (database or user) against a
// rule. UnmarshalYAML accepts either a bare scalar (exact match), a list of
// strings (MatchList), or a "~ <pattern>" string (regex).
type FieldMatcher struct {
	Type  MatchType
	Value string
	List  []string
}

// UnmarshalYAML implements the shorthand forms described on FieldMatcher.
func (f *FieldMatcher) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		f.Type = MatchList
		f.List = list
		return nil
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if strings.HasPrefix(s, "~ ") {
			f.Type = MatchRegex
			f.Value = strings.TrimPrefix(s, "~ ")
			return nil
		}
		if strings.HasSuffix(s, "*") {
			f.Type = MatchPrefix
			f.Value = strings.TrimSuffix(s, "*")
			return nil
		}
		f.Type = MatchExact
		f.Value = s
		return nil
	default:
		return fmt.Errorf("config: unsupported matcher node kind %v", node.Kind)
	}
}

// RoutingRule picks a backend (and optional pool overrides) for requests
// whose database/user match. A nil Database or User matcher matches
// anything. The first matching rule in RoutingConfig.Rules wins; IsDefault
// marks a catch-all rule that matches unconditionally at its own position
// in the list, so rules after it are never reached.
type RoutingRule struct {
	Database         *FieldMatcher `yaml:"database,omitempty"`
	User             *FieldMatcher `yaml:"user,omitempty"`
	IsDefault        bool          `yaml:"default,omitempty"`
	BackendName      string        `yaml:"backend"`
	PoolSizeOverride uint          `yaml:"pool_size,omitempty"`
	PoolModeOverride PoolMode      `yaml:"pool_mode,omitempty"`
}

// LoadAppConfig reads and parses the main application config.
func LoadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":6432"
	}
	return &cfg, nil
}

// LoadLoggingConfig reads and parses the logging config.
func LoadLoggingConfig(path string) (*LoggingConfig, error) {
	cfg := &LoggingConfig{Level: "info", Destination: "stderr", Format: "text"}
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBackendsConfig reads and parses the backend list, validating names
// are unique and pool modes are recognized, and fills in the defaults the
// original implementation applies (600s idle timeout, 3600s lifetime,
// PoolModeSession).
func LoadBackendsConfig(path string) (*BackendsConfig, error) {
	var cfg BackendsConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cfg.Backends))
	var errs []error
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: %w", i, errBackendNameEmpty))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name))
		}
		seen[b.Name] = true

		if b.Port == 0 {
			b.Port = 5432
		}
		if b.PoolMode == "" {
			b.PoolMode = PoolModeSession
		} else if !b.PoolMode.valid() {
			errs = append(errs, fmt.Errorf("backends[%d] %q: invalid pool_mode %q", i, b.Name, b.PoolMode))
		}
		if b.ServerIdleTimeout == 0 {
			b.ServerIdleTimeout = 600
		}
		if b.ServerLifetime == 0 {
			b.ServerLifetime = 3600
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// LoadRoutingConfig reads and parses pool defaults plus routing rules.
// Backend names referenced by rules are not validated here; router.New
// rejects any rule naming a backend absent from the BackendsConfig it is
// given.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	cfg := &RoutingConfig{Defaults: Defaults{PoolMode: PoolModeSession}}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Defaults.PoolMode == "" {
		cfg.Defaults.PoolMode = PoolModeSession
	} else if !cfg.Defaults.PoolMode.valid() {
		return nil, fmt.Errorf("config: defaults.pool_mode: invalid value %q", cfg.Defaults.PoolMode)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

var errBackendNameEmpty = errors.New("config: backend name must not be empty")
