package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

// FailMode names what a non-critical gate does when its lookup fails.
type FailMode string

const (
	// FailOpen lets the request proceed on lookup failure (availability).
	FailOpen FailMode = "open"
	// FailClosed rejects the request on lookup failure (safety).
	FailClosed FailMode = "closed"
)

// ParseFailMode validates a fail-mode config value.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailOpen, FailClosed:
		return FailMode(s), nil
	}
	return "", fmt.Errorf("router: invalid fail mode %q (want open or closed)", s)
}

// GateOutcome is the policy gate's verdict for one request.
type GateOutcome string

const (
	GateAllow   GateOutcome = "allow"
	GateConfirm GateOutcome = "confirm"
	GateForbid  GateOutcome = "forbid"
)

// GateDecision carries the verdict and, for confirm/forbid, the winning policy.
type GateDecision struct {
	Outcome GateOutcome
	Policy  model.CommandPolicy
	// Degraded is set when the decision was produced by the fail-open path
	// rather than a real policy evaluation.
	Degraded bool
}

// PolicyLister is the slice of the store the gate needs.
type PolicyLister interface {
	ActivePolicies(ctx context.Context, tenantID uuid.UUID) ([]model.CommandPolicy, error)
}

// PolicyGate evaluates a tenant's active command policies against a
// classified intent. Every matching policy is considered: forbid beats
// confirm beats auto, regardless of ordering in the policy set.
type PolicyGate struct {
	store    PolicyLister
	failMode FailMode
	logger   *slog.Logger
}

// NewPolicyGate returns a gate with the configured lookup-failure behavior.
func NewPolicyGate(store PolicyLister, failMode FailMode, logger *slog.Logger) *PolicyGate {
	return &PolicyGate{store: store, failMode: failMode, logger: logger}
}

// Evaluate fetches the tenant's active policies and returns the combined
// verdict. A lookup error is absorbed into a degraded allow when the gate is
// configured fail-open; fail-closed propagates the error so the pipeline
// rejects the request.
func (g *PolicyGate) Evaluate(ctx context.Context, tenantID uuid.UUID, intent, text string) (GateDecision, error) {
	policies, err := g.store.ActivePolicies(ctx, tenantID)
	if err != nil {
		if g.failMode == FailOpen {
			g.logger.Warn("policy gate degraded to allow",
				"tenant_id", tenantID, "intent", intent, "error", err)
			return GateDecision{Outcome: GateAllow, Degraded: true}, nil
		}
		return GateDecision{}, fmt.Errorf("router: policy lookup: %w", err)
	}

	decision := GateDecision{Outcome: GateAllow}
	for _, p := range policies {
		if !p.Matches(intent, text) {
			continue
		}
		switch p.Mode {
		case model.PolicyModeForbid:
			// Forbid always wins; no point scanning further.
			return GateDecision{Outcome: GateForbid, Policy: p}, nil
		case model.PolicyModeConfirm:
			if decision.Outcome != GateConfirm {
				decision = GateDecision{Outcome: GateConfirm, Policy: p}
			}
		}
	}
	return decision, nil
}
