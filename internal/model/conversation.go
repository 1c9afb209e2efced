package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// ConversationPhase tags the router-owned conversation state union.
type ConversationPhase string

const (
	// PhaseIdle means no multi-turn exchange is in progress.
	PhaseIdle ConversationPhase = "idle"
	// PhaseAwaitingInputs means the router is collecting batch parameters
	// across turns for one specific intent.
	PhaseAwaitingInputs ConversationPhase = "awaiting_inputs"
	// PhaseAwaitingConfirmation means a confirm-mode policy suspended the
	// request; the router resumes on a matching confirmation token.
	PhaseAwaitingConfirmation ConversationPhase = "awaiting_confirmation"
)

// ConversationState is the durable per-conversation scratch state mutated
// exclusively by the router. It is a tagged union: the fields that are
// meaningful depend on Phase. Pending inputs are keyed by intent so state
// from an abandoned request can never leak into a different operation.
type ConversationState struct {
	Phase ConversationPhase `json:"phase"`

	// Awaiting-inputs fields.
	Intent  string         `json:"intent,omitempty"`
	Pending map[string]any `json:"pending,omitempty"`

	// Awaiting-confirmation fields.
	ConfirmToken string         `json:"confirm_token,omitempty"`
	PolicyName   string         `json:"policy_name,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`

	// LastIntent records the most recent successfully negotiated intent.
	LastIntent string `json:"last_intent,omitempty"`
}

// IdleState returns the zero union value, preserving LastIntent.
func (s ConversationState) IdleState() ConversationState {
	return ConversationState{Phase: PhaseIdle, LastIntent: s.LastIntent}
}

// AwaitingInputs transitions the union to parameter collection for intent,
// discarding any pending values collected for a different intent.
func (s ConversationState) AwaitingInputs(intent string, pending map[string]any) ConversationState {
	return ConversationState{
		Phase:      PhaseAwaitingInputs,
		Intent:     intent,
		Pending:    pending,
		LastIntent: s.LastIntent,
	}
}

// AwaitingConfirmation transitions the union to a policy-confirmation
// suspension carrying the resumption token and the fully negotiated inputs.
func (s ConversationState) AwaitingConfirmation(intent, token, policyName string, inputs map[string]any) ConversationState {
	return ConversationState{
		Phase:        PhaseAwaitingConfirmation,
		Intent:       intent,
		ConfirmToken: token,
		PolicyName:   policyName,
		Inputs:       inputs,
		LastIntent:   s.LastIntent,
	}
}

// PendingFor returns the cached partial inputs if they were collected for
// the given intent, or an empty map otherwise.
func (s ConversationState) PendingFor(intent string) map[string]any {
	if s.Phase != PhaseAwaitingInputs || s.Intent != intent || s.Pending == nil {
		return map[string]any{}
	}
	return s.Pending
}

// Conversation is one open-ended exchange between a console user and an
// agent. The UI reads it; only the router mutates State.
type Conversation struct {
	ID        uuid.UUID          `json:"id"`
	TenantID  uuid.UUID          `json:"tenant_id"`
	AgentID   uuid.UUID          `json:"agent_id"`
	UserID    string             `json:"user_id"`
	Status    ConversationStatus `json:"status"`
	State     ConversationState  `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
