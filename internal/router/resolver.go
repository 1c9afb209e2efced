package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// ErrNoBatch means the intent is recognized but no dispatchable batch
// implements it for this tenant and agent OS. Resolution fails closed: the
// user hears "I don't know how to do that on this system", never an attempt
// at an incompatible operation.
var ErrNoBatch = errors.New("router: no batch implements intent")

// BatchResolver is the slice of the store the resolver needs.
type BatchResolver interface {
	ResolveBatch(ctx context.Context, tenantID uuid.UUID, name, agentOS string) (model.Batch, error)
}

// Resolver maps a classified intent to a concrete, dispatchable batch:
// right tenant, OS-targets containing the agent's OS, active version set.
type Resolver struct {
	reg   *Registry
	store BatchResolver
}

// NewResolver returns a resolver over the given catalog and store.
func NewResolver(reg *Registry, store BatchResolver) *Resolver {
	return &Resolver{reg: reg, store: store}
}

// Resolve returns the batch implementing intent for an agent running
// agentOS, or ErrNoBatch when the intent is unwired or no compatible batch
// exists. Any other error is a real lookup failure.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, intent, agentOS string) (model.Batch, error) {
	name := r.reg.BatchFor(intent)
	if name == "" {
		return model.Batch{}, ErrNoBatch
	}
	b, err := r.store.ResolveBatch(ctx, tenantID, name, agentOS)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Batch{}, ErrNoBatch
		}
		return model.Batch{}, fmt.Errorf("router: resolve batch %q: %w", name, err)
	}
	return b, nil
}
