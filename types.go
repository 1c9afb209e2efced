package ulta

import (
	"time"

	"github.com/google/uuid"
)

// Role is a console user's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// Run is the public representation of a batch run.
// It is a curated view of internal/model.Run for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Run struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	BatchID        uuid.UUID
	VersionID      uuid.UUID
	AgentID        uuid.UUID
	ConversationID uuid.UUID
	Status         string // queued | started | succeeded | failed
	Inputs         map[string]any
	Error          *string
	QueuedAt       time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Intent declares one recognizable chat intent for WithIntents. Patterns
// are uncompiled regular expressions; order matters — the classifier picks
// the first matching intent, so list specific intents before broad ones.
type Intent struct {
	Name string

	// Patterns are regex sources tried in order against the utterance.
	Patterns []string

	// Keywords are containment fallbacks tried when no pattern matches.
	Keywords []string

	// Batch names the catalog batch implementing this intent. Empty means
	// the intent is recognized but resolution fails closed.
	Batch string

	// Extractors pull structured parameters out of the utterance.
	Extractors []Extractor
}

// Extractor pulls one field out of free text. The pattern's first capture
// group is the extracted value; a pattern without groups uses the whole
// match.
type Extractor struct {
	Field   string
	Pattern string
}
