package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

type fakePolicyLister struct {
	policies []model.CommandPolicy
	err      error
}

func (f *fakePolicyLister) ActivePolicies(_ context.Context, _ uuid.UUID) ([]model.CommandPolicy, error) {
	return f.policies, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func policy(name, pattern string, mt model.MatchType, mode model.PolicyMode) model.CommandPolicy {
	return model.CommandPolicy{
		ID: uuid.New(), Name: name, Pattern: pattern,
		MatchType: mt, Mode: mode, Risk: model.RiskMedium, Active: true,
	}
}

func TestPolicyGateForbidWins(t *testing.T) {
	// The forbid policy is listed after an auto and a confirm match; it
	// must still win.
	store := &fakePolicyLister{policies: []model.CommandPolicy{
		policy("allow-installs", "install_*", model.MatchWildcard, model.PolicyModeAuto),
		policy("confirm-installs", "install_*", model.MatchWildcard, model.PolicyModeConfirm),
		policy("no-wordpress", "install_wordpress", model.MatchExact, model.PolicyModeForbid),
	}}
	g := NewPolicyGate(store, FailClosed, discardLogger())

	d, err := g.Evaluate(context.Background(), uuid.New(), "install_wordpress", "install wordpress")
	require.NoError(t, err)
	assert.Equal(t, GateForbid, d.Outcome)
	assert.Equal(t, "no-wordpress", d.Policy.Name)
}

func TestPolicyGateConfirmBeatsAuto(t *testing.T) {
	store := &fakePolicyLister{policies: []model.CommandPolicy{
		policy("allow-installs", "install_*", model.MatchWildcard, model.PolicyModeAuto),
		policy("confirm-installs", "install_*", model.MatchWildcard, model.PolicyModeConfirm),
	}}
	g := NewPolicyGate(store, FailClosed, discardLogger())

	d, err := g.Evaluate(context.Background(), uuid.New(), "install_wordpress", "install wordpress")
	require.NoError(t, err)
	assert.Equal(t, GateConfirm, d.Outcome)
	assert.Equal(t, "confirm-installs", d.Policy.Name)
}

func TestPolicyGateNoMatchAllows(t *testing.T) {
	store := &fakePolicyLister{policies: []model.CommandPolicy{
		policy("no-wordpress", "install_wordpress", model.MatchExact, model.PolicyModeForbid),
	}}
	g := NewPolicyGate(store, FailClosed, discardLogger())

	d, err := g.Evaluate(context.Background(), uuid.New(), "check_cpu", "check cpu")
	require.NoError(t, err)
	assert.Equal(t, GateAllow, d.Outcome)
}

func TestPolicyGateRegexMatchesRawText(t *testing.T) {
	store := &fakePolicyLister{policies: []model.CommandPolicy{
		policy("no-rm-rf", `rm\s+-rf`, model.MatchRegex, model.PolicyModeForbid),
	}}
	g := NewPolicyGate(store, FailClosed, discardLogger())

	d, err := g.Evaluate(context.Background(), uuid.New(), "install_package", "install and then rm -rf /tmp/x")
	require.NoError(t, err)
	assert.Equal(t, GateForbid, d.Outcome)
}

func TestPolicyGateFailModes(t *testing.T) {
	store := &fakePolicyLister{err: errors.New("connection refused")}

	open := NewPolicyGate(store, FailOpen, discardLogger())
	d, err := open.Evaluate(context.Background(), uuid.New(), "check_cpu", "check cpu")
	require.NoError(t, err)
	assert.Equal(t, GateAllow, d.Outcome)
	assert.True(t, d.Degraded)

	closed := NewPolicyGate(store, FailClosed, discardLogger())
	_, err = closed.Evaluate(context.Background(), uuid.New(), "check_cpu", "check cpu")
	require.Error(t, err)
}

func TestParseFailMode(t *testing.T) {
	m, err := ParseFailMode("open")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, m)

	m, err = ParseFailMode("closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, m)

	_, err = ParseFailMode("maybe")
	require.Error(t, err)
}
