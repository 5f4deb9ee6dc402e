// Package router resolves an incoming client's (user, database) startup
// parameters to the backend it should be proxied to, applying routing
// rules and pool defaults. It holds no connections itself; pkg/pool owns
// the pooling state the resolved backend feeds into.
package router

import (
	"fmt"
	"regexp"

	"github.com/pgpooler/pgpooler/pkg/config"
)

// ResolvedBackend is the outcome of a successful Resolve: which backend to
// dial, and the pool settings that apply to this (user, database) pair.
type ResolvedBackend struct {
	Name              string
	Host              string
	Port              uint16
	PoolSize          uint
	PoolMode          config.PoolMode
	ServerIdleTimeout uint
	ServerLifetime    uint
	QueryWaitTimeout  uint
	DiscardAllOnReuse bool
}

// Router resolves (user, database) pairs against an ordered list of rules,
// first match wins. Build once from loaded config and reuse concurrently;
// it holds no mutable state.
type Router struct {
	backends map[string]config.BackendEntry
	defaults config.Defaults
	rules    []compiledRule
}

type compiledRule struct {
	rule     config.RoutingRule
	userRe   *regexp.Regexp
	dbRe     *regexp.Regexp
}

// New compiles a Router from loaded backend and routing config. It returns
// an error if a rule names an unknown backend or a regex matcher fails to
// compile.
func New(backends config.BackendsConfig, routing config.RoutingConfig) (*Router, error) {
	byName := make(map[string]config.BackendEntry, len(backends.Backends))
	for _, b := range backends.Backends {
		byName[b.Name] = b
	}

	r := &Router{
		backends: byName,
		defaults: routing.Defaults,
	}

	for i, rule := range routing.Rules {
		if _, ok := byName[rule.BackendName]; !ok {
			return nil, fmt.Errorf("router: rule %d references unknown backend %q", i, rule.BackendName)
		}
		cr := compiledRule{rule: rule}
		var err error
		if rule.User != nil && rule.User.Type == config.MatchRegex {
			if cr.userRe, err = regexp.Compile(rule.User.Value); err != nil {
				return nil, fmt.Errorf("router: rule %d user regex: %w", i, err)
			}
		}
		if rule.Database != nil && rule.Database.Type == config.MatchRegex {
			if cr.dbRe, err = regexp.Compile(rule.Database.Value); err != nil {
				return nil, fmt.Errorf("router: rule %d database regex: %w", i, err)
			}
		}
		r.rules = append(r.rules, cr)
	}

	return r, nil
}

// Resolve finds the backend to use for a client presenting the given
// startup user and database. Rules are checked in order, first match wins:
// a rule with IsDefault set matches unconditionally at its position in the
// list (its own Database/User matchers, if any, are ignored — it is a
// catch-all, not a pattern); any other rule matches only if its database
// and user matchers both accept (nil matcher = wildcard). A default rule
// placed ahead of a more specific one therefore wins, exactly like any
// other earlier rule would. If there are no rules at all and exactly one
// backend is configured, that backend is used directly. Returns false if
// nothing resolves.
func (r *Router) Resolve(user, database string) (ResolvedBackend, bool) {
	for i := range r.rules {
		cr := &r.rules[i]
		if cr.rule.IsDefault || (matches(cr.dbRe, cr.rule.Database, database) && matches(cr.userRe, cr.rule.User, user)) {
			return r.build(cr.rule)
		}
	}
	if len(r.rules) == 0 && len(r.backends) == 1 {
		for _, b := range r.backends {
			return r.build(config.RoutingRule{BackendName: b.Name})
		}
	}
	return ResolvedBackend{}, false
}

func (r *Router) build(rule config.RoutingRule) (ResolvedBackend, bool) {
	b, ok := r.backends[rule.BackendName]
	if !ok {
		return ResolvedBackend{}, false
	}

	poolSize := r.defaults.PoolSize
	if b.PoolSize != 0 {
		poolSize = b.PoolSize
	}
	if rule.PoolSizeOverride != 0 {
		poolSize = rule.PoolSizeOverride
	}

	poolMode := r.defaults.PoolMode
	if b.PoolMode != "" {
		poolMode = b.PoolMode
	}
	if rule.PoolModeOverride != "" {
		poolMode = rule.PoolModeOverride
	}

	return ResolvedBackend{
		Name:              b.Name,
		Host:              b.Host,
		Port:              b.Port,
		PoolSize:          poolSize,
		PoolMode:          poolMode,
		ServerIdleTimeout: b.ServerIdleTimeout,
		ServerLifetime:    b.ServerLifetime,
		QueryWaitTimeout:  b.QueryWaitTimeout,
		DiscardAllOnReuse: b.DiscardAllOnRenew,
	}, true
}

// matches reports whether value satisfies matcher. A nil matcher always
// matches (the field is unconstrained by this rule).
func matches(re *regexp.Regexp, matcher *config.FieldMatcher, value string) bool {
	if matcher == nil {
		return true
	}
	switch matcher.Type {
	case config.MatchExact:
		return value == matcher.Value
	case config.MatchPrefix:
		return len(value) >= len(matcher.Value) && value[:len(matcher.Value)] == matcher.Value
	case config.MatchList:
		for _, v := range matcher.List {
			if v == value {
				return true
			}
		}
		return false
	case config.MatchRegex:
		return re != nil && re.MatchString(value)
	default:
		return false
	}
}
