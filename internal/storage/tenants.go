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

// CreateTenant creates a tenant scope.
func (db *DB) CreateTenant(ctx context.Context, name string) (model.Tenant, error) {
	t := model.Tenant{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		t.ID, t.Name, t.CreatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// CreateConsoleUser registers a console login under a tenant. apiKeyHash is
// the argon2id encoding of the user's API key.
func (db *DB) CreateConsoleUser(ctx context.Context, u model.ConsoleUser) (model.ConsoleUser, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO console_users (id, tenant_id, user_id, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TenantID, u.UserID, string(u.Role), u.APIKeyHash, u.CreatedAt,
	)
	if err != nil {
		return model.ConsoleUser{}, fmt.Errorf("storage: create console user: %w", err)
	}
	return u, nil
}

// GetConsoleUser looks up a console login by its user ID. User IDs are
// globally unique across tenants.
func (db *DB) GetConsoleUser(ctx context.Context, userID string) (model.ConsoleUser, error) {
	var u model.ConsoleUser
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, role, COALESCE(api_key_hash, ''), created_at
		 FROM console_users WHERE user_id = $1`,
		userID,
	).Scan(&u.ID, &u.TenantID, &u.UserID, &u.Role, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsoleUser{}, ErrNotFound
		}
		return model.ConsoleUser{}, fmt.Errorf("storage: get console user: %w", err)
	}
	return u, nil
}
