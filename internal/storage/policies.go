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

const policyColumns = `id, tenant_id, name, pattern, match_type, mode, risk, active, created_at, updated_at`

// CreatePolicy inserts a new command policy and returns it.
func (db *DB) CreatePolicy(ctx context.Context, p model.CommandPolicy) (model.CommandPolicy, error) {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO command_policies (id, tenant_id, name, pattern, match_type, mode, risk, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.TenantID, p.Name, p.Pattern, string(p.MatchType), string(p.Mode), string(p.Risk), p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.CommandPolicy{}, fmt.Errorf("storage: create policy: %w", err)
	}
	return p, nil
}

// GetPolicy retrieves a policy by ID, scoped to the given tenant.
func (db *DB) GetPolicy(ctx context.Context, tenantID, id uuid.UUID) (model.CommandPolicy, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM command_policies WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CommandPolicy{}, ErrNotFound
		}
		return model.CommandPolicy{}, fmt.Errorf("storage: get policy: %w", err)
	}
	return p, nil
}

// UpdatePolicy replaces the mutable fields of a policy.
func (db *DB) UpdatePolicy(ctx context.Context, p model.CommandPolicy) (model.CommandPolicy, error) {
	p.UpdatedAt = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE command_policies
		 SET name = $1, pattern = $2, match_type = $3, mode = $4, risk = $5, active = $6, updated_at = $7
		 WHERE id = $8 AND tenant_id = $9`,
		p.Name, p.Pattern, string(p.MatchType), string(p.Mode), string(p.Risk), p.Active, p.UpdatedAt, p.ID, p.TenantID,
	)
	if err != nil {
		return model.CommandPolicy{}, fmt.Errorf("storage: update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.CommandPolicy{}, ErrNotFound
	}
	return p, nil
}

// DeletePolicy removes a policy.
func (db *DB) DeletePolicy(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM command_policies WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("storage: delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPolicies returns all policies for a tenant ordered by creation time.
func (db *DB) ListPolicies(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.CommandPolicy, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM command_policies WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count policies: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM command_policies
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	policies, err := scanPolicies(rows)
	return policies, total, err
}

// ActivePolicies returns every active policy for a tenant. The policy gate
// evaluates all of them: forbid-mode decisions must consider the whole set,
// not just the first match.
func (db *DB) ActivePolicies(ctx context.Context, tenantID uuid.UUID) ([]model.CommandPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM command_policies
		 WHERE tenant_id = $1 AND active
		 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active policies: %w", err)
	}
	defer rows.Close()

	return scanPolicies(rows)
}

func scanPolicy(row pgx.Row) (model.CommandPolicy, error) {
	var p model.CommandPolicy
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Pattern, &p.MatchType, &p.Mode, &p.Risk, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanPolicies(rows pgx.Rows) ([]model.CommandPolicy, error) {
	var policies []model.CommandPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
