package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

const batchColumns = `id, tenant_id, name, description, risk, os_targets, input_schema, input_defaults,
	 preflight, max_timeout_sec, concurrency_scope, max_concurrent, active_version_id, created_at, updated_at`

// CreateBatch inserts a new batch with no versions yet.
func (db *DB) CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error) {
	b.ID = uuid.New()
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.InputDefaults == nil {
		b.InputDefaults = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO batches (id, tenant_id, name, description, risk, os_targets, input_schema, input_defaults,
		     preflight, max_timeout_sec, concurrency_scope, max_concurrent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.TenantID, b.Name, b.Description, string(b.Risk), b.OSTargets, b.InputSchema, b.InputDefaults,
		b.Preflight, b.MaxTimeoutSec, string(b.Scope), b.MaxConcurrent, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: create batch: %w", err)
	}
	return b, nil
}

// GetBatch retrieves a batch by ID, scoped to the given tenant.
func (db *DB) GetBatch(ctx context.Context, tenantID, id uuid.UUID) (model.Batch, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches for a tenant ordered by name.
func (db *DB) ListBatches(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Batch, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM batches WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count batches: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE tenant_id = $1 ORDER BY name ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list batches: %w", err)
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, total, rows.Err()
}

// ResolveBatch finds the dispatchable batch for an intent-mapped name: it
// must belong to the tenant, target the agent's OS, and point at an active
// version. Returns ErrNotFound when no such batch exists (fail closed).
func (db *DB) ResolveBatch(ctx context.Context, tenantID uuid.UUID, name, agentOS string) (model.Batch, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE tenant_id = $1 AND name = $2
		   AND os_targets @> ARRAY[$3]::text[]
		   AND active_version_id IS NOT NULL`,
		tenantID, name, agentOS,
	)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, fmt.Errorf("storage: resolve batch: %w", err)
	}
	return b, nil
}

// CreateBatchVersion appends a new draft version. Version numbers are
// allocated from the current maximum inside a transaction; content is
// SHA-256 addressed and immutable once written.
func (db *DB) CreateBatchVersion(ctx context.Context, tenantID, batchID uuid.UUID, content string) (model.BatchVersion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: begin version tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock the batch row so concurrent version creation cannot allocate
	// the same version number.
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT true FROM batches WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		batchID, tenantID,
	).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BatchVersion{}, ErrNotFound
		}
		return model.BatchVersion{}, fmt.Errorf("storage: lock batch: %w", err)
	}

	sum := sha256.Sum256([]byte(content))
	v := model.BatchVersion{
		ID:            uuid.New(),
		BatchID:       batchID,
		Content:       content,
		ContentSHA256: hex.EncodeToString(sum[:]),
		Status:        model.VersionDraft,
		CreatedAt:     time.Now().UTC(),
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM batch_versions WHERE batch_id = $1`,
		batchID,
	).Scan(&v.Version); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: next version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_versions (id, batch_id, version, content, content_sha256, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.BatchID, v.Version, v.Content, v.ContentSHA256, string(v.Status), v.CreatedAt,
	); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: commit version: %w", err)
	}
	return v, nil
}

// ActivateBatchVersion promotes a draft version to active, archives the
// previous active version, and repoints the batch — all in one transaction.
func (db *DB) ActivateBatchVersion(ctx context.Context, tenantID, batchID uuid.UUID, version int) (model.BatchVersion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: begin activate tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT true FROM batches WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		batchID, tenantID,
	).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BatchVersion{}, ErrNotFound
		}
		return model.BatchVersion{}, fmt.Errorf("storage: lock batch: %w", err)
	}

	var v model.BatchVersion
	if err := tx.QueryRow(ctx,
		`UPDATE batch_versions SET status = 'active'
		 WHERE batch_id = $1 AND version = $2 AND status = 'draft'
		 RETURNING id, batch_id, version, content, content_sha256, status, created_at`,
		batchID, version,
	).Scan(&v.ID, &v.BatchID, &v.Version, &v.Content, &v.ContentSHA256, &v.Status, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BatchVersion{}, ErrNotFound
		}
		return model.BatchVersion{}, fmt.Errorf("storage: activate version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_versions SET status = 'archived'
		 WHERE batch_id = $1 AND status = 'active' AND id <> $2`,
		batchID, v.ID,
	); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: archive previous version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batches SET active_version_id = $1, updated_at = now() WHERE id = $2`,
		v.ID, batchID,
	); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: point batch at version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.BatchVersion{}, fmt.Errorf("storage: commit activate: %w", err)
	}
	return v, nil
}

// ListBatchVersions returns a batch's version history, newest first.
func (db *DB) ListBatchVersions(ctx context.Context, tenantID, batchID uuid.UUID) ([]model.BatchVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT v.id, v.batch_id, v.version, v.content, v.content_sha256, v.status, v.created_at
		 FROM batch_versions v
		 JOIN batches b ON b.id = v.batch_id
		 WHERE v.batch_id = $1 AND b.tenant_id = $2
		 ORDER BY v.version DESC`,
		batchID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", err)
	}
	defer rows.Close()

	var versions []model.BatchVersion
	for rows.Next() {
		var v model.BatchVersion
		if err := rows.Scan(&v.ID, &v.BatchID, &v.Version, &v.Content, &v.ContentSHA256, &v.Status, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanBatch(row pgx.Row) (model.Batch, error) {
	var b model.Batch
	err := row.Scan(
		&b.ID, &b.TenantID, &b.Name, &b.Description, &b.Risk, &b.OSTargets, &b.InputSchema, &b.InputDefaults,
		&b.Preflight, &b.MaxTimeoutSec, &b.Scope, &b.MaxConcurrent, &b.ActiveVersionID, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}
