package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ScriptSun/ulta-console-sub004/internal/auth"
	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/ratelimit"
	"github.com/ScriptSun/ulta-console-sub004/internal/router"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// Server is the Ulta console HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional (nil-safe): Limiter, Broker.
type ServerConfig struct {
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Router *router.Router
	Logger *slog.Logger

	Limiter ratelimit.Limiter
	Broker  *Broker

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  string

	// OpenAPISpec, when non-nil, is served raw at GET /openapi.yaml.
	OpenAPISpec []byte

	// ExtraRoutes registers embedded-deployment routes on the shared mux.
	// Each registrar runs after the built-in routes and receives the RBAC
	// middleware factory so extra routes share the auth chain.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)

	// Middlewares wrap the root handler, outermost first. They run before
	// routing and see every request including /health.
	Middlewares []func(http.Handler) http.Handler

	// RunHooks receive async run lifecycle notifications.
	RunHooks []RunHook
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Router:              cfg.Router,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RunHooks:            cfg.RunHooks,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	// Chat requests are limited per console user; token issuance per IP,
	// since it runs before authentication.
	chatRL := ratelimit.Middleware(limiter, userKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, authKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token issuance (no auth required).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Chat router: the widget endpoint. Cross-origin because the widget is
	// embedded in customer sites.
	operatorUp := requireRole(model.RoleOperator)
	chat := corsMiddleware(cfg.CORSAllowedOrigins,
		chatRL(operatorUp(http.HandlerFunc(h.HandleChatRouter))))
	mux.Handle("POST /v1/chat-router", chat)
	mux.Handle("OPTIONS /v1/chat-router", chat)

	adminOnly := requireRole(model.RoleAdmin)
	readerUp := requireRole(model.RoleReader)
	agentUp := requireRole(model.RoleAgent)

	// Command policies.
	mux.Handle("POST /v1/policies", adminOnly(http.HandlerFunc(h.HandleCreatePolicy)))
	mux.Handle("GET /v1/policies", readerUp(http.HandlerFunc(h.HandleListPolicies)))
	mux.Handle("GET /v1/policies/{policy_id}", readerUp(http.HandlerFunc(h.HandleGetPolicy)))
	mux.Handle("PUT /v1/policies/{policy_id}", adminOnly(http.HandlerFunc(h.HandleUpdatePolicy)))
	mux.Handle("DELETE /v1/policies/{policy_id}", adminOnly(http.HandlerFunc(h.HandleDeletePolicy)))

	// Batch catalog and version lifecycle.
	mux.Handle("POST /v1/batches", adminOnly(http.HandlerFunc(h.HandleCreateBatch)))
	mux.Handle("GET /v1/batches", readerUp(http.HandlerFunc(h.HandleListBatches)))
	mux.Handle("GET /v1/batches/{batch_id}", readerUp(http.HandlerFunc(h.HandleGetBatch)))
	mux.Handle("POST /v1/batches/{batch_id}/versions", adminOnly(http.HandlerFunc(h.HandleCreateBatchVersion)))
	mux.Handle("GET /v1/batches/{batch_id}/versions", readerUp(http.HandlerFunc(h.HandleListBatchVersions)))
	mux.Handle("POST /v1/batches/{batch_id}/versions/{version}/activate", adminOnly(http.HandlerFunc(h.HandleActivateBatchVersion)))

	// Agent fleet.
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", readerUp(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", readerUp(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/heartbeat", agentUp(http.HandlerFunc(h.HandleAgentHeartbeat)))

	// Runs.
	mux.Handle("GET /v1/runs", readerUp(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", readerUp(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/runs/{run_id}/complete", agentUp(http.HandlerFunc(h.HandleCompleteRun)))

	// Conversations and their event trail.
	mux.Handle("GET /v1/conversations/{conversation_id}", readerUp(http.HandlerFunc(h.HandleGetConversation)))
	mux.Handle("GET /v1/conversations/{conversation_id}/events", readerUp(http.HandlerFunc(h.HandleListConversationEvents)))
	mux.Handle("POST /v1/conversations/{conversation_id}/close", operatorUp(http.HandlerFunc(h.HandleCloseConversation)))

	// Live run status stream (no rate limit: long-lived connection).
	mux.Handle("GET /v1/subscribe", readerUp(http.HandlerFunc(h.HandleSubscribe)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// API specification (no auth).
	if len(cfg.OpenAPISpec) > 0 {
		spec := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(spec)
		})
	}

	// Embedded-deployment routes share the mux and RBAC chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Caller-supplied middlewares run outermost, first-registered first.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc keys rate limiting by tenant and console user. Admins are
// exempt.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "tenant:" + claims.TenantID.String() + ":user:" + claims.UserID
}

// authKeyFunc keys pre-authentication endpoints by client IP.
func authKeyFunc(r *http.Request) string {
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
