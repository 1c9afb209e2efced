package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a chat event.
type EventType string

const (
	// Router pipeline decisions.
	EventIntentClassified    EventType = "intent_classified"
	EventSmalltalk           EventType = "smalltalk"
	EventPolicyBlocked       EventType = "policy_blocked"
	EventConfirmRequested    EventType = "confirm_requested"
	EventConfirmResolved     EventType = "confirm_resolved"
	EventBatchNotFound       EventType = "batch_not_found"
	EventInputsRequested     EventType = "inputs_requested"
	EventInputsValidated     EventType = "inputs_validated"
	EventPreflightBlocked    EventType = "preflight_blocked"
	EventConcurrencyBlocked  EventType = "concurrency_blocked"
	EventTaskQueued          EventType = "task_queued"
	EventRouterError         EventType = "router_error"

	// Run lifecycle, emitted outside the request path.
	EventTaskStarted   EventType = "task_started"
	EventTaskSucceeded EventType = "task_succeeded"
	EventTaskFailed    EventType = "task_failed"
)

// ChatEvent is an immutable, append-only fact about one conversation.
// Every pipeline stage emits at least one on both success and rejection
// paths. The sole audit source of truth; never updated or deleted.
type ChatEvent struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	Type           EventType      `json:"type"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IntentClassifiedPayload is the payload for intent_classified events.
type IntentClassifiedPayload struct {
	Intent string `json:"intent"`
	Tier   string `json:"tier"` // "pattern" or "keyword"
}

// PolicyBlockedPayload is the payload for policy_blocked events.
type PolicyBlockedPayload struct {
	PolicyID   uuid.UUID `json:"policy_id"`
	PolicyName string    `json:"policy_name"`
	Intent     string    `json:"intent"`
}

// TaskQueuedPayload is the payload for task_queued events.
type TaskQueuedPayload struct {
	RunID     uuid.UUID `json:"run_id"`
	BatchID   uuid.UUID `json:"batch_id"`
	BatchName string    `json:"batch_name"`
	Intent    string    `json:"intent"`
}

// PreflightBlockedPayload is the payload for preflight_blocked events.
type PreflightBlockedPayload struct {
	BatchName string   `json:"batch_name"`
	Details   []string `json:"details"`
}
