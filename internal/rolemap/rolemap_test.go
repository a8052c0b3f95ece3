package rolemap

import (
	"testing"

	"serverhub/internal/auth"
)

func mustMapper(t *testing.T, rules []Rule, defaults map[auth.Provider]auth.Role) *Mapper {
	t.Helper()
	m, err := NewMapper(rules, defaults)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	return m
}

func TestResolve_LiteralMatch(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderEntra, Match: "grp-admins", Role: auth.RoleAdmin, Rank: 1},
	}, map[auth.Provider]auth.Role{auth.ProviderEntra: auth.RoleUser})

	got := m.Resolve(auth.ProviderEntra, []string{"grp-admins"})
	if got != auth.RoleAdmin {
		t.Errorf("expected admin, got %q", got)
	}
}

func TestResolve_DefaultWhenNoMatch(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderEntra, Match: "grp-admins", Role: auth.RoleAdmin, Rank: 1},
	}, map[auth.Provider]auth.Role{auth.ProviderEntra: auth.RoleUser})

	cases := [][]string{
		nil,
		{},
		{"grp-unrelated"},
	}
	for _, roles := range cases {
		if got := m.Resolve(auth.ProviderEntra, roles); got != auth.RoleUser {
			t.Errorf("roles %v: expected user, got %q", roles, got)
		}
	}
}

func TestResolve_RankWinsRegardlessOfConfigOrder(t *testing.T) {
	// Both rules match; the lower rank must win even though it is listed last.
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderGoogle, Match: "grp-owners", Role: auth.RoleServerOwner, Rank: 5},
		{Provider: auth.ProviderGoogle, Match: "grp-*", Role: auth.RoleAdmin, Rank: 1},
	}, map[auth.Provider]auth.Role{auth.ProviderGoogle: auth.RoleUser})

	got := m.Resolve(auth.ProviderGoogle, []string{"grp-owners"})
	if got != auth.RoleAdmin {
		t.Errorf("expected rank-1 rule to win, got %q", got)
	}
}

func TestResolve_RankTiesKeepConfigOrder(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderGitHub, Match: "team-a", Role: auth.RoleServerOwner, Rank: 2},
		{Provider: auth.ProviderGitHub, Match: "team-a", Role: auth.RoleAdmin, Rank: 2},
	}, nil)

	got := m.Resolve(auth.ProviderGitHub, []string{"team-a"})
	if got != auth.RoleServerOwner {
		t.Errorf("expected first configured rule to win a tie, got %q", got)
	}
}

func TestResolve_WildcardPattern(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderEntra, Match: "grp-*", Role: auth.RoleServerOwner, Rank: 1},
	}, map[auth.Provider]auth.Role{auth.ProviderEntra: auth.RoleUser})

	if got := m.Resolve(auth.ProviderEntra, []string{"grp-engineers"}); got != auth.RoleServerOwner {
		t.Errorf("expected pattern match, got %q", got)
	}
	if got := m.Resolve(auth.ProviderEntra, []string{"team-engineers"}); got != auth.RoleUser {
		t.Errorf("expected default for non-matching string, got %q", got)
	}
}

func TestResolve_ProvidersIsolated(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderEntra, Match: "grp-admins", Role: auth.RoleAdmin, Rank: 1},
	}, map[auth.Provider]auth.Role{
		auth.ProviderEntra:  auth.RoleUser,
		auth.ProviderGoogle: auth.RoleUser,
	})

	if got := m.Resolve(auth.ProviderGoogle, []string{"grp-admins"}); got != auth.RoleUser {
		t.Errorf("rule for entra must not apply to google, got %q", got)
	}
}

func TestResolve_WhenCondition(t *testing.T) {
	m := mustMapper(t, []Rule{
		{
			Provider: auth.ProviderEntra,
			Match:    "grp-admins",
			When:     `"grp-mfa-enrolled" in roles`,
			Role:     auth.RoleAdmin,
			Rank:     1,
		},
		{Provider: auth.ProviderEntra, Match: "grp-admins", Role: auth.RoleServerOwner, Rank: 2},
	}, map[auth.Provider]auth.Role{auth.ProviderEntra: auth.RoleUser})

	got := m.Resolve(auth.ProviderEntra, []string{"grp-admins", "grp-mfa-enrolled"})
	if got != auth.RoleAdmin {
		t.Errorf("expected condition to pass, got %q", got)
	}

	// Without the enrollment group the guarded rule is skipped and the next
	// rank takes over.
	got = m.Resolve(auth.ProviderEntra, []string{"grp-admins"})
	if got != auth.RoleServerOwner {
		t.Errorf("expected fall-through to rank 2, got %q", got)
	}
}

func TestResolve_Pure(t *testing.T) {
	m := mustMapper(t, []Rule{
		{Provider: auth.ProviderEntra, Match: "grp-*", Role: auth.RoleAdmin, Rank: 1},
	}, map[auth.Provider]auth.Role{auth.ProviderEntra: auth.RoleUser})

	roles := []string{"grp-admins"}
	first := m.Resolve(auth.ProviderEntra, roles)
	for i := 0; i < 100; i++ {
		if got := m.Resolve(auth.ProviderEntra, roles); got != first {
			t.Fatalf("call %d: result drifted from %q to %q", i, first, got)
		}
	}
}

func TestNewMapper_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		rules    []Rule
		defaults map[auth.Provider]auth.Role
	}{
		{
			name:  "unknown provider",
			rules: []Rule{{Provider: "okta", Match: "grp-a", Role: auth.RoleUser}},
		},
		{
			name:  "empty match",
			rules: []Rule{{Provider: auth.ProviderEntra, Match: "", Role: auth.RoleUser}},
		},
		{
			name:  "invalid role",
			rules: []Rule{{Provider: auth.ProviderEntra, Match: "grp-a", Role: "superuser"}},
		},
		{
			name:  "malformed pattern",
			rules: []Rule{{Provider: auth.ProviderEntra, Match: "grp-[", Role: auth.RoleUser}},
		},
		{
			name:  "uncompilable condition",
			rules: []Rule{{Provider: auth.ProviderEntra, Match: "grp-a", When: "roles ???", Role: auth.RoleUser}},
		},
		{
			name:  "non-boolean condition",
			rules: []Rule{{Provider: auth.ProviderEntra, Match: "grp-a", When: "provider", Role: auth.RoleUser}},
		},
		{
			name:     "invalid default role",
			defaults: map[auth.Provider]auth.Role{auth.ProviderEntra: "root"},
		},
		{
			name:     "default for unknown provider",
			defaults: map[auth.Provider]auth.Role{"okta": auth.RoleUser},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMapper(tt.rules, tt.defaults); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}
