package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is one isolated customer scope. Policies, batches, agents, and
// conversations all hang off a tenant.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsoleUser is a console login bound to one tenant. The API key hash is
// verified at /auth/token and never leaves the storage layer.
type ConsoleUser struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
