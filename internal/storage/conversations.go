package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

const conversationColumns = `id, tenant_id, agent_id, user_id, status, state, created_at, updated_at`

// GetConversation retrieves a conversation by ID, scoped to the given tenant.
func (db *DB) GetConversation(ctx context.Context, tenantID, id uuid.UUID) (model.Conversation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// CreateConversation opens a new conversation in the idle state.
func (db *DB) CreateConversation(ctx context.Context, tenantID, agentID uuid.UUID, userID string) (model.Conversation, error) {
	now := time.Now().UTC()
	c := model.Conversation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AgentID:   agentID,
		UserID:    userID,
		Status:    model.ConversationOpen,
		State:     model.ConversationState{Phase: model.PhaseIdle},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, agent_id, user_id, status, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.TenantID, c.AgentID, c.UserID, string(c.Status), c.State, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return c, nil
}

// UpdateConversationState persists router scratch state. The write is
// guarded on status = 'open' so the router can never resurrect a
// conversation an operator has closed.
func (db *DB) UpdateConversationState(ctx context.Context, tenantID, id uuid.UUID, state model.ConversationState) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET state = $1, updated_at = now()
		 WHERE id = $2 AND tenant_id = $3 AND status = 'open'`,
		state, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: update conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from closed for callers that care.
		var status string
		err := db.pool.QueryRow(ctx,
			`SELECT status FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: update conversation state: %w", err)
		}
		return ErrConversationClosed
	}
	return nil
}

// CloseConversation marks a conversation closed. Idempotent.
func (db *DB) CloseConversation(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET status = 'closed', updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: close conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.AgentID, &c.UserID, &c.Status, &c.State, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
