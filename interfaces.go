package ulta

import (
	"context"
	"net/http"
)

// RunHook receives async notifications when run lifecycle events occur.
// Multiple hooks may be registered via multiple WithRunHook calls.
// Hook methods run in goroutines — they must not block indefinitely.
// Failures are logged but do not fail the originating request.
type RunHook interface {
	OnRunQueued(ctx context.Context, run Run) error
	OnRunCompleted(ctx context.Context, run Run) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain, and OTEL instrumentation with the
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role gate so extra routes use the same auth chain
// without depending on internal/server directly.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
