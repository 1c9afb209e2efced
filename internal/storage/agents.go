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

const agentColumns = `id, tenant_id, hostname, os, status, heartbeat, heartbeat_at, created_at, updated_at`

// CreateAgent registers a new agent under a tenant.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.AgentOffline
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, tenant_id, hostname, os, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, a.Hostname, a.OS, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by ID, scoped to the given tenant.
func (db *DB) GetAgent(ctx context.Context, tenantID, id uuid.UUID) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents for a tenant ordered by hostname.
func (db *DB) ListAgents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Agent, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count agents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE tenant_id = $1 ORDER BY hostname ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

// RecordHeartbeat stores the latest telemetry snapshot and status for an agent.
func (db *DB) RecordHeartbeat(ctx context.Context, tenantID, id uuid.UUID, status model.AgentStatus, hb model.Heartbeat) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $1, heartbeat = $2, heartbeat_at = now(), updated_at = now()
		 WHERE id = $3 AND tenant_id = $4`,
		string(status), hb, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.Hostname, &a.OS, &a.Status, &a.Heartbeat, &a.HeartbeatAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
