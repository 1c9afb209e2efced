package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// heartbeatMaxAge is how old a heartbeat may be before preflight treats the
// agent's telemetry as unknown.
const heartbeatMaxAge = 5 * time.Minute

// AgentReader is the slice of the store preflight needs.
type AgentReader interface {
	GetAgent(ctx context.Context, tenantID, id uuid.UUID) (model.Agent, error)
}

// Preflight re-checks the live agent environment immediately before
// dispatch. All checks run; all failures are reported, so one round trip
// tells the operator everything that needs fixing.
type Preflight struct {
	store AgentReader
}

// NewPreflight returns a preflight evaluator over the given store.
func NewPreflight(store AgentReader) *Preflight {
	return &Preflight{store: store}
}

// Evaluate returns the accumulated failure details, empty when the agent
// passes. An agent that cannot be found is itself a failing check, not a
// pipeline error: the state between resolution and dispatch is allowed to
// have changed.
func (p *Preflight) Evaluate(ctx context.Context, tenantID, agentID uuid.UUID, batch model.Batch) ([]string, error) {
	agent, err := p.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []string{"agent not found"}, nil
		}
		return nil, fmt.Errorf("router: preflight agent lookup: %w", err)
	}

	var details []string

	if agent.Status != model.AgentRunning {
		details = append(details, fmt.Sprintf("agent status is %q, must be running", agent.Status))
	}

	// Redundant with resolution-time filtering on purpose: the agent's OS
	// record may have changed between resolve and preflight.
	if !batch.SupportsOS(agent.OS) {
		details = append(details, fmt.Sprintf("agent os %q is not targeted by this batch", agent.OS))
	}

	details = append(details, checkTelemetry(agent, batch.Preflight)...)
	return details, nil
}

func checkTelemetry(agent model.Agent, pf model.Preflight) []string {
	if pf.MinMemoryMB == 0 && pf.MinDiskGB == 0 && pf.MaxCPUPct == 0 {
		return nil
	}
	if agent.Heartbeat == nil || agent.HeartbeatAt == nil {
		return []string{"no heartbeat telemetry available"}
	}
	if time.Since(*agent.HeartbeatAt) > heartbeatMaxAge {
		return []string{fmt.Sprintf("heartbeat is stale (last seen %s ago)",
			time.Since(*agent.HeartbeatAt).Round(time.Second))}
	}

	hb := *agent.Heartbeat
	var details []string
	if pf.MinMemoryMB > 0 && hb.MemFreeMB < pf.MinMemoryMB {
		details = append(details, fmt.Sprintf("free memory %d MB below required %d MB", hb.MemFreeMB, pf.MinMemoryMB))
	}
	if pf.MinDiskGB > 0 && hb.DiskFreeGB < pf.MinDiskGB {
		details = append(details, fmt.Sprintf("free disk %.1f GB below required %.1f GB", hb.DiskFreeGB, pf.MinDiskGB))
	}
	if pf.MaxCPUPct > 0 && hb.CPUPct > pf.MaxCPUPct {
		details = append(details, fmt.Sprintf("cpu usage %.1f%% above limit %.1f%%", hb.CPUPct, pf.MaxCPUPct))
	}
	return details
}
