package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

func TestPolicyMatches(t *testing.T) {
	tests := []struct {
		name    string
		policy  model.CommandPolicy
		intent  string
		text    string
		matched bool
	}{
		{
			name:    "exact match is case-insensitive",
			policy:  model.CommandPolicy{Pattern: "Install_WordPress", MatchType: model.MatchExact},
			intent:  "install_wordpress",
			matched: true,
		},
		{
			name:    "exact mismatch",
			policy:  model.CommandPolicy{Pattern: "install_wordpress", MatchType: model.MatchExact},
			intent:  "restart_service",
			matched: false,
		},
		{
			name:    "wildcard matches intent family",
			policy:  model.CommandPolicy{Pattern: "install_*", MatchType: model.MatchWildcard},
			intent:  "install_wordpress",
			matched: true,
		},
		{
			name:    "wildcard does not match other prefix",
			policy:  model.CommandPolicy{Pattern: "install_*", MatchType: model.MatchWildcard},
			intent:  "check_cpu",
			matched: false,
		},
		{
			name:    "regex matches raw text excerpt",
			policy:  model.CommandPolicy{Pattern: `rm\s+-rf`, MatchType: model.MatchRegex},
			intent:  "run_command",
			text:    "please run rm -rf /tmp/cache",
			matched: true,
		},
		{
			name:    "invalid regex never matches",
			policy:  model.CommandPolicy{Pattern: "([", MatchType: model.MatchRegex},
			intent:  "([",
			matched: false,
		},
		{
			name:    "unknown match type never matches",
			policy:  model.CommandPolicy{Pattern: "x", MatchType: model.MatchType("fuzzy")},
			intent:  "x",
			matched: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matched, tt.policy.Matches(tt.intent, tt.text))
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := model.CommandPolicy{
		Name:      "block-destructive",
		Pattern:   "uninstall_*",
		MatchType: model.MatchWildcard,
		Mode:      model.PolicyModeForbid,
		Risk:      model.RiskHigh,
	}
	require.NoError(t, valid.Validate())

	badRegex := valid
	badRegex.MatchType = model.MatchRegex
	badRegex.Pattern = "(["
	require.Error(t, badRegex.Validate())

	badMode := valid
	badMode.Mode = model.PolicyMode("maybe")
	require.Error(t, badMode.Validate())
}

func TestConversationStateTransitions(t *testing.T) {
	s := model.ConversationState{Phase: model.PhaseIdle, LastIntent: "check_cpu"}

	pending := map[string]any{"domain": "example.com"}
	awaiting := s.AwaitingInputs("install_wordpress", pending)
	assert.Equal(t, model.PhaseAwaitingInputs, awaiting.Phase)
	assert.Equal(t, "install_wordpress", awaiting.Intent)
	assert.Equal(t, "check_cpu", awaiting.LastIntent, "LastIntent survives transitions")

	// Pending values are only visible to the intent they were collected for.
	assert.Equal(t, pending, awaiting.PendingFor("install_wordpress"))
	assert.Empty(t, awaiting.PendingFor("restart_service"))

	idle := awaiting.IdleState()
	assert.Equal(t, model.PhaseIdle, idle.Phase)
	assert.Empty(t, idle.Pending)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, model.RunQueued.Terminal())
	assert.False(t, model.RunStarted.Terminal())
	assert.True(t, model.RunSucceeded.Terminal())
	assert.True(t, model.RunFailed.Terminal())
}

func TestRoleRankOrdering(t *testing.T) {
	ordered := []model.Role{model.RoleReader, model.RoleAgent, model.RoleOperator, model.RoleAdmin}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.RoleRank(ordered[i]), model.RoleRank(ordered[i-1]))
	}
	assert.Equal(t, 0, model.RoleRank(model.Role("unknown")))
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleOperator))
	assert.False(t, model.RoleAtLeast(model.RoleReader, model.RoleAgent))
}

func TestBatchSupportsOS(t *testing.T) {
	b := model.Batch{OSTargets: []string{"ubuntu", "debian"}}
	assert.True(t, b.SupportsOS("ubuntu"))
	assert.False(t, b.SupportsOS("windows"))
}
