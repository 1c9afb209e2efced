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

const runColumns = `id, tenant_id, batch_id, version_id, agent_id, conversation_id, status, inputs, error, queued_at, started_at, finished_at`

// StartRunParams carries everything StartRun needs to queue a run.
type StartRunParams struct {
	TenantID       uuid.UUID
	BatchID        uuid.UUID
	AgentID        uuid.UUID
	ConversationID uuid.UUID
	Inputs         map[string]any

	// FailOpenGuard controls what happens when the in-flight count query
	// itself fails: true queues the run unguarded (availability), false
	// aborts the dispatch (safety). Set from ULTA_CONCURRENCY_FAIL_MODE.
	FailOpenGuard bool
}

// StartRun atomically enforces the batch's concurrency limit and queues a
// new run. The batch row is locked FOR UPDATE, so two simultaneous dispatch
// requests for the same batch serialize on the lock: the in-flight count
// each observes is exact, never stale. A run_outbox row is written in the
// same transaction, making the hand-off to the dispatch worker durable.
//
// Returns ErrConcurrencyLimit when the count is at the configured maximum,
// ErrNoActiveVersion when the batch's active version pointer is null.
func (db *DB) StartRun(ctx context.Context, p StartRunParams) (model.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin start run tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		versionID     *uuid.UUID
		scope         string
		maxConcurrent int
	)
	if err := tx.QueryRow(ctx,
		`SELECT active_version_id, concurrency_scope, max_concurrent
		 FROM batches WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		p.BatchID, p.TenantID,
	).Scan(&versionID, &scope, &maxConcurrent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: lock batch for dispatch: %w", err)
	}
	if versionID == nil {
		return model.Run{}, ErrNoActiveVersion
	}

	// Count non-terminal runs within the batch's configured scope. The
	// count runs inside a savepoint so a failing count can be rolled back
	// without poisoning the outer transaction on the fail-open path.
	countQuery := `SELECT COUNT(*) FROM runs
		 WHERE batch_id = $1 AND tenant_id = $2 AND status IN ('queued', 'started')`
	args := []any{p.BatchID, p.TenantID}
	if model.ConcurrencyScope(scope) == model.ScopeAgent {
		countQuery += ` AND agent_id = $3`
		args = append(args, p.AgentID)
	}
	inner, err := tx.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin guard savepoint: %w", err)
	}
	var inFlight int
	if err := inner.QueryRow(ctx, countQuery, args...).Scan(&inFlight); err != nil {
		_ = inner.Rollback(ctx)
		if !p.FailOpenGuard {
			return model.Run{}, fmt.Errorf("storage: count in-flight runs: %w", err)
		}
		db.logger.Warn("concurrency guard degraded, queuing unguarded",
			"batch_id", p.BatchID, "error", err)
		inFlight = 0
	} else {
		if err := inner.Commit(ctx); err != nil {
			return model.Run{}, fmt.Errorf("storage: release guard savepoint: %w", err)
		}
	}
	if inFlight >= maxConcurrent {
		return model.Run{}, ErrConcurrencyLimit
	}

	run := model.Run{
		ID:             uuid.New(),
		TenantID:       p.TenantID,
		BatchID:        p.BatchID,
		VersionID:      *versionID,
		AgentID:        p.AgentID,
		ConversationID: p.ConversationID,
		Status:         model.RunQueued,
		Inputs:         p.Inputs,
		QueuedAt:       time.Now().UTC(),
	}
	if run.Inputs == nil {
		run.Inputs = map[string]any{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, tenant_id, batch_id, version_id, agent_id, conversation_id, status, inputs, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.TenantID, run.BatchID, run.VersionID, run.AgentID, run.ConversationID,
		string(run.Status), run.Inputs, run.QueuedAt,
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: insert run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_outbox (run_id, tenant_id) VALUES ($1, $2)`,
		run.ID, run.TenantID,
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: insert run outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit start run: %w", err)
	}
	return run, nil
}

// MarkRunStarted flips a run from queued to started. The guarded UPDATE
// makes the transition idempotent under outbox redelivery.
func (db *DB) MarkRunStarted(ctx context.Context, runID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'started', started_at = now()
		 WHERE id = $1 AND status = 'queued'`,
		runID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark run started: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRun records the terminal status reported by the agent execution
// channel. Guarded on the run still being non-terminal.
func (db *DB) CompleteRun(ctx context.Context, tenantID, runID uuid.UUID, status model.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, finished_at = now()
		 WHERE id = $3 AND tenant_id = $4 AND status IN ('queued', 'started')`,
		string(status), errVal, runID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID, scoped to the given tenant.
func (db *DB) GetRun(ctx context.Context, tenantID, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs for a tenant, newest first, optionally filtered by agent.
func (db *DB) ListRuns(ctx context.Context, tenantID uuid.UUID, agentID *uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if agentID != nil {
		where += ` AND agent_id = $2`
		args = append(args, *agentID)
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs %s ORDER BY queued_at DESC LIMIT $%d OFFSET $%d`,
			runColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.BatchID, &r.VersionID, &r.AgentID, &r.ConversationID,
		&r.Status, &r.Inputs, &r.Error, &r.QueuedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}
