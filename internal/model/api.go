package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatState is the terminal (or suspended) outcome of one router request.
type ChatState string

const (
	// StateSmalltalk means no intent was recognized; the reply is conversational.
	StateSmalltalk ChatState = "smalltalk"
	// StateNeedsInputs means required batch parameters are still missing.
	StateNeedsInputs ChatState = "needs_inputs"
	// StateAwaitingConfirmation means a confirm-mode policy suspended the request.
	StateAwaitingConfirmation ChatState = "awaiting_confirmation"
	// StatePreflightBlock means live agent checks failed.
	StatePreflightBlock ChatState = "preflight_block"
	// StateTaskQueued means a run was dispatched.
	StateTaskQueued ChatState = "task_queued"
	// StateDone covers policy blocks, unresolvable intents, concurrency
	// blocks, and internal errors: the request is answered and finished.
	StateDone ChatState = "done"
)

// ChatRequest is the body of POST /v1/chat-router.
type ChatRequest struct {
	UserID         string     `json:"user_id"`
	AgentID        uuid.UUID  `json:"agent_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Text           string     `json:"text"`
	ConfirmToken   string     `json:"confirm_token,omitempty"`
}

// MaxChatTextLen bounds the utterance so a single request cannot fill the
// event log with caller-controlled garbage.
const MaxChatTextLen = 4096

// Validate checks request shape before the pipeline runs.
func (r ChatRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.AgentID == uuid.Nil {
		return fmt.Errorf("agent_id is required")
	}
	if r.Text == "" && r.ConfirmToken == "" {
		return fmt.Errorf("text is required")
	}
	if len(r.Text) > MaxChatTextLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxChatTextLen)
	}
	return nil
}

// ChatResponse is the union returned by POST /v1/chat-router. Which fields
// are populated depends on State.
type ChatResponse struct {
	State          ChatState         `json:"state"`
	Message        string            `json:"message,omitempty"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	RunID          *uuid.UUID        `json:"run_id,omitempty"`
	Schema         *InputSchema      `json:"schema,omitempty"`
	Defaults       map[string]any    `json:"defaults,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
	Details        []string          `json:"details,omitempty"`
	ConfirmToken   string            `json:"confirm_token,omitempty"`
}

// CreateAgentRequest is the body of POST /v1/agents.
type CreateAgentRequest struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
}

// HeartbeatRequest is the body of POST /v1/agents/{id}/heartbeat.
type HeartbeatRequest struct {
	Status    AgentStatus `json:"status"`
	Heartbeat Heartbeat   `json:"heartbeat"`
}

// CreatePolicyRequest is the body of POST /v1/policies.
type CreatePolicyRequest struct {
	Name      string     `json:"name"`
	Pattern   string     `json:"pattern"`
	MatchType MatchType  `json:"match_type"`
	Mode      PolicyMode `json:"mode"`
	Risk      RiskLevel  `json:"risk"`
	Active    *bool      `json:"active,omitempty"`
}

// CreateBatchRequest is the body of POST /v1/batches.
type CreateBatchRequest struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Risk          RiskLevel        `json:"risk"`
	OSTargets     []string         `json:"os_targets"`
	InputSchema   InputSchema      `json:"input_schema"`
	InputDefaults map[string]any   `json:"input_defaults,omitempty"`
	Preflight     Preflight        `json:"preflight"`
	MaxTimeoutSec int              `json:"max_timeout_sec"`
	Scope         ConcurrencyScope `json:"concurrency_scope"`
	MaxConcurrent int              `json:"max_concurrent"`
}

// CreateVersionRequest is the body of POST /v1/batches/{id}/versions.
type CreateVersionRequest struct {
	Content string `json:"content"`
}

// CompleteRunRequest is the body of POST /v1/runs/{id}/complete, reported
// by the out-of-band agent execution channel.
type CompleteRunRequest struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries an issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
