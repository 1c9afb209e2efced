package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

// InsertChatEvent appends a single chat event. The table is append-only:
// no update or delete path exists anywhere in this package.
func (db *DB) InsertChatEvent(ctx context.Context, e model.ChatEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO chat_events (id, tenant_id, conversation_id, agent_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.ConversationID, e.AgentID, string(e.Type), e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert chat event: %w", err)
	}
	return nil
}

// InsertChatEvents inserts events in bulk using the COPY protocol. Used by
// backfill tooling and tests; the request path writes one event at a time.
func (db *DB) InsertChatEvents(ctx context.Context, events []model.ChatEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "tenant_id", "conversation_id", "agent_id", "type", "payload", "created_at"}
	rows := make([][]any, len(events))
	for i, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{e.ID, e.TenantID, e.ConversationID, e.AgentID, string(e.Type), e.Payload, e.CreatedAt}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the caller
	// indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	count, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"chat_events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy chat events: %w", err)
	}
	return count, nil
}

// ListEventsByConversation retrieves a conversation's event trail in
// insertion order, scoped by tenant. limit <= 0 defaults to 1000.
func (db *DB) ListEventsByConversation(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]model.ChatEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, conversation_id, agent_id, type, payload, created_at
		 FROM chat_events
		 WHERE conversation_id = $1 AND tenant_id = $2
		 ORDER BY created_at ASC, id ASC
		 LIMIT $3`,
		conversationID, tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.ChatEvent
	for rows.Next() {
		var e model.ChatEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ConversationID, &e.AgentID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
