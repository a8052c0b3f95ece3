// Package rolemap converts external role/group identifiers into internal
// roles using an ordered, configurable rule table.
package rolemap

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"serverhub/internal/auth"
)

// Rule maps an external role identifier to an internal role for one provider.
// Match is a literal string or a glob pattern (e.g. "grp-*"). When is an
// optional boolean expression evaluated with `roles` (the full extracted
// list) and `provider` in scope. Lower Rank wins on conflict; ties are broken
// by configuration order.
type Rule struct {
	Provider auth.Provider `yaml:"provider"`
	Match    string        `yaml:"match"`
	When     string        `yaml:"when,omitempty"`
	Role     auth.Role     `yaml:"role"`
	Rank     int           `yaml:"rank"`
}

type compiledRule struct {
	rule      Rule
	isPattern bool
	when      *vm.Program
}

// Mapper resolves a provider's extracted role list to exactly one internal
// role. All patterns and conditions compile at construction, so Resolve is a
// pure total function with no error path.
type Mapper struct {
	rules    map[auth.Provider][]compiledRule
	defaults map[auth.Provider]auth.Role
}

// whenScope is the compile-time environment for When conditions.
func whenScope() map[string]any {
	return map[string]any{
		"roles":    []string{},
		"provider": "",
	}
}

// NewMapper validates and compiles the rule set. Any malformed pattern,
// uncompilable condition, unknown provider, or invalid role is a constructor
// error; callers treat that as fatal.
func NewMapper(rules []Rule, defaults map[auth.Provider]auth.Role) (*Mapper, error) {
	m := &Mapper{
		rules:    make(map[auth.Provider][]compiledRule),
		defaults: make(map[auth.Provider]auth.Role),
	}

	for p, r := range defaults {
		if _, err := auth.ParseProvider(string(p)); err != nil {
			return nil, fmt.Errorf("default role for unknown provider %q", p)
		}
		if !auth.IsValidRole(r) {
			return nil, fmt.Errorf("invalid default role %q for provider %q", r, p)
		}
		m.defaults[p] = r
	}

	for i, r := range rules {
		if _, err := auth.ParseProvider(string(r.Provider)); err != nil {
			return nil, fmt.Errorf("rule %d: unknown provider %q", i, r.Provider)
		}
		if r.Match == "" {
			return nil, fmt.Errorf("rule %d: empty match", i)
		}
		if !auth.IsValidRole(r.Role) {
			return nil, fmt.Errorf("rule %d: invalid role %q", i, r.Role)
		}

		cr := compiledRule{rule: r, isPattern: strings.ContainsAny(r.Match, "*?[")}
		if cr.isPattern {
			if _, err := path.Match(r.Match, ""); err != nil {
				return nil, fmt.Errorf("rule %d: malformed pattern %q: %w", i, r.Match, err)
			}
		}
		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.Env(whenScope()), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %d: condition %q: %w", i, r.When, err)
			}
			cr.when = prog
		}

		m.rules[r.Provider] = append(m.rules[r.Provider], cr)
	}

	// Ascending rank, configuration order preserved on ties.
	for p := range m.rules {
		sort.SliceStable(m.rules[p], func(i, j int) bool {
			return m.rules[p][i].rule.Rank < m.rules[p][j].rule.Rank
		})
	}

	return m, nil
}

// Resolve returns the internal role for the given provider and extracted
// role list. The first rule (ascending rank) whose identifier matches any
// input string wins; no match yields the provider's configured default, or
// the lowest-privilege role if none is configured. Deterministic, no side
// effects.
func (m *Mapper) Resolve(provider auth.Provider, roles []string) auth.Role {
	for _, cr := range m.rules[provider] {
		if !cr.matchesAny(roles) {
			continue
		}
		if cr.when != nil && !evalWhen(cr.when, provider, roles) {
			continue
		}
		return cr.rule.Role
	}
	if def, ok := m.defaults[provider]; ok {
		return def
	}
	return auth.RoleUser
}

// DefaultRole returns the configured default for a provider.
func (m *Mapper) DefaultRole(provider auth.Provider) auth.Role {
	if def, ok := m.defaults[provider]; ok {
		return def
	}
	return auth.RoleUser
}

func (cr compiledRule) matchesAny(roles []string) bool {
	for _, role := range roles {
		if cr.isPattern {
			// Pattern validity was checked at construction.
			if ok, _ := path.Match(cr.rule.Match, role); ok {
				return true
			}
		} else if role == cr.rule.Match {
			return true
		}
	}
	return false
}

// evalWhen runs a compiled condition. A runtime evaluation failure counts
// as no match, keeping Resolve total.
func evalWhen(prog *vm.Program, provider auth.Provider, roles []string) bool {
	if roles == nil {
		roles = []string{}
	}
	out, err := expr.Run(prog, map[string]any{
		"roles":    roles,
		"provider": string(provider),
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}
