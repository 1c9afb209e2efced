package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

// RunHook receives async notifications on run lifecycle transitions.
// Multiple hooks may be registered; all receive every event. Hook methods
// run in goroutines with a bounded context — they must not block
// indefinitely. Failures are logged but never fail the originating request.
type RunHook interface {
	OnRunQueued(ctx context.Context, run model.Run) error
	OnRunCompleted(ctx context.Context, run model.Run) error
}

// RoleMiddlewareFn builds RBAC middleware requiring a minimum role. Passed
// to extra-route registrars so embedded deployments share the auth chain.
type RoleMiddlewareFn func(minRole model.Role) func(http.Handler) http.Handler

const runHookTimeout = 10 * time.Second

func (h *Handlers) fireRunQueued(run model.Run) {
	if len(h.runHooks) == 0 {
		return
	}
	hooks := h.runHooks
	logger := h.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runHookTimeout)
		defer cancel()
		for _, hook := range hooks {
			if err := hook.OnRunQueued(ctx, run); err != nil {
				logger.Warn("run hook OnRunQueued failed", "run_id", run.ID, "error", err)
			}
		}
	}()
}

func (h *Handlers) fireRunCompleted(run model.Run) {
	if len(h.runHooks) == 0 {
		return
	}
	hooks := h.runHooks
	logger := h.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runHookTimeout)
		defer cancel()
		for _, hook := range hooks {
			if err := hook.OnRunCompleted(ctx, run); err != nil {
				logger.Warn("run hook OnRunCompleted failed", "run_id", run.ID, "error", err)
			}
		}
	}()
}
