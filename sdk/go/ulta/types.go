package ulta

import (
	"time"

	"github.com/google/uuid"
)

// ChatRequest is the body of POST /v1/chat-router. UserID is filled in by
// the server from the JWT, so the client leaves it empty.
type ChatRequest struct {
	AgentID        uuid.UUID  `json:"agent_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Text           string     `json:"text"`
	ConfirmToken   string     `json:"confirm_token,omitempty"`
}

// ChatResponse is the union returned by the chat router. Which fields are
// populated depends on State.
type ChatResponse struct {
	State          string            `json:"state"`
	Message        string            `json:"message,omitempty"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	RunID          *uuid.UUID        `json:"run_id,omitempty"`
	Schema         *InputSchema      `json:"schema,omitempty"`
	Defaults       map[string]any    `json:"defaults,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
	Details        []string          `json:"details,omitempty"`
	ConfirmToken   string            `json:"confirm_token,omitempty"`
}

// Chat states returned in ChatResponse.State.
const (
	StateSmalltalk            = "smalltalk"
	StateNeedsInputs          = "needs_inputs"
	StateAwaitingConfirmation = "awaiting_confirmation"
	StatePreflightBlock       = "preflight_block"
	StateTaskQueued           = "task_queued"
	StateDone                 = "done"
)

// InputSchema describes the parameters a batch accepts.
type InputSchema struct {
	Properties map[string]InputProperty `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

// InputProperty describes one batch parameter.
type InputProperty struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Format      string `json:"format,omitempty"`
}

// Preflight holds the live-telemetry thresholds checked before dispatch.
type Preflight struct {
	MinMemoryMB int     `json:"min_memory_mb,omitempty"`
	MinDiskGB   float64 `json:"min_disk_gb,omitempty"`
	MaxCPUPct   float64 `json:"max_cpu_pct,omitempty"`
}

// CommandPolicy is a tenant rule gating what the chat router may execute.
type CommandPolicy struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Pattern   string    `json:"pattern"`
	MatchType string    `json:"match_type"` // exact | regex | wildcard
	Mode      string    `json:"mode"`       // auto | confirm | forbid
	Risk      string    `json:"risk"`       // low | medium | high
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreatePolicyRequest is the body of POST /v1/policies.
type CreatePolicyRequest struct {
	Name      string `json:"name"`
	Pattern   string `json:"pattern"`
	MatchType string `json:"match_type"`
	Mode      string `json:"mode"`
	Risk      string `json:"risk"`
	Active    *bool  `json:"active,omitempty"`
}

// Batch is an executable operation in the tenant's catalog.
type Batch struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Risk            string         `json:"risk"`
	OSTargets       []string       `json:"os_targets"`
	InputSchema     InputSchema    `json:"input_schema"`
	InputDefaults   map[string]any `json:"input_defaults"`
	Preflight       Preflight      `json:"preflight"`
	MaxTimeoutSec   int            `json:"max_timeout_sec"`
	Scope           string         `json:"concurrency_scope"` // agent | tenant
	MaxConcurrent   int            `json:"max_concurrent"`
	ActiveVersionID *uuid.UUID     `json:"active_version_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateBatchRequest is the body of POST /v1/batches.
type CreateBatchRequest struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Risk          string         `json:"risk"`
	OSTargets     []string       `json:"os_targets"`
	InputSchema   InputSchema    `json:"input_schema"`
	InputDefaults map[string]any `json:"input_defaults,omitempty"`
	Preflight     Preflight      `json:"preflight"`
	MaxTimeoutSec int            `json:"max_timeout_sec"`
	Scope         string         `json:"concurrency_scope"`
	MaxConcurrent int            `json:"max_concurrent"`
}

// BatchVersion is one immutable script revision of a batch.
type BatchVersion struct {
	ID            uuid.UUID `json:"id"`
	BatchID       uuid.UUID `json:"batch_id"`
	Version       int       `json:"version"`
	Content       string    `json:"content"`
	ContentSHA256 string    `json:"content_sha256"`
	Status        string    `json:"status"` // draft | active | archived
	CreatedAt     time.Time `json:"created_at"`
}

// Heartbeat is live telemetry reported by an agent.
type Heartbeat struct {
	CPUPct     float64 `json:"cpu_pct"`
	MemUsedPct float64 `json:"mem_used_pct"`
	MemFreeMB  int     `json:"mem_free_mb"`
	DiskFreeGB float64 `json:"disk_free_gb"`
	UptimeSec  int64   `json:"uptime_sec,omitempty"`
}

// Agent is a managed remote machine.
type Agent struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Hostname    string     `json:"hostname"`
	OS          string     `json:"os"`
	Status      string     `json:"status"` // running | offline | degraded
	Heartbeat   *Heartbeat `json:"heartbeat,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateAgentRequest is the body of POST /v1/agents.
type CreateAgentRequest struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
}

// Run is one execution of a batch version on an agent.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	BatchID        uuid.UUID      `json:"batch_id"`
	VersionID      uuid.UUID      `json:"version_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Status         string         `json:"status"` // queued | started | succeeded | failed
	Inputs         map[string]any `json:"inputs"`
	Error          *string        `json:"error,omitempty"`
	QueuedAt       time.Time      `json:"queued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Conversation is one chat thread between a console user and an agent.
type Conversation struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	AgentID   uuid.UUID      `json:"agent_id"`
	UserID    string         `json:"user_id"`
	Status    string         `json:"status"` // open | closed
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ChatEvent is one entry in a conversation's append-only decision trail.
type ChatEvent struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	UptimeSec int64  `json:"uptime"`
	SSEBroker string `json:"sse_broker,omitempty"`
}
