package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/auth"
	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/router"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	router              *router.Router
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	runHooks            []RunHook
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker is optional (nil = SSE disabled).
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Router              *router.Router
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	RunHooks            []RunHook
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		router:              d.Router,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		runHooks:            d.RunHooks,
	}
}

// HandleAuthToken handles POST /auth/token. Console users exchange their
// user_id and API key for a tenant-scoped JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}

	user, err := h.db.GetConsoleUser(r.Context(), req.UserID)
	if err != nil {
		// Burn the same hashing cost as a real verification so response
		// timing does not reveal whether the user_id exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	if user.APIKeyHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.recordMutationAudit(r, user.TenantID, "token_issued", "auth_token", user.UserID, nil, nil,
		map[string]any{"ip": r.RemoteAddr, "token_exp": expiresAt})

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": pgStatus,
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp["sse_broker"] = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin bootstraps the initial tenant and admin console user. Safe to
// call on every startup: an existing admin user short-circuits.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	_, err := h.db.GetConsoleUser(ctx, "admin")
	if err == nil {
		h.logger.Info("admin user exists, skipping seed")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: lookup admin user: %w", err)
	}

	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: no admin user exists and ULTA_ADMIN_API_KEY is empty; set it to bootstrap initial access")
	}

	tenant, err := h.db.CreateTenant(ctx, "default")
	if err != nil {
		return fmt.Errorf("seed admin: create tenant: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if _, err := h.db.CreateConsoleUser(ctx, model.ConsoleUser{
		TenantID:   tenant.ID,
		UserID:     "admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user", "tenant_id", tenant.ID)
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parsePathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}
