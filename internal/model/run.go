package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one batch run.
//
// queued → started is performed by the dispatch worker; started →
// succeeded/failed is reported by the agent execution channel. Both
// transitions are guarded UPDATEs on the current status.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunStarted   RunStatus = "started"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state. Non-terminal
// runs count against a batch's concurrency limit.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run is one dispatch instance of a batch version against one agent.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	BatchID        uuid.UUID      `json:"batch_id"`
	VersionID      uuid.UUID      `json:"version_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Status         RunStatus      `json:"status"`
	Inputs         map[string]any `json:"inputs"`
	Error          *string        `json:"error,omitempty"`
	QueuedAt       time.Time      `json:"queued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}
