package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSun/ulta-console-sub004/internal/auth"
	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
	return r.WithContext(ctx)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var captured string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, captured)
	_, err := uuid.Parse(captured)
	assert.NoError(t, err, "generated request ID should be a UUID")
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewarePreservesProvidedID(t *testing.T) {
	var captured string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-id", captured)
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeadersMiddleware(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		role       model.Role
		minRole    model.Role
		wantStatus int
	}{
		{"admin passes admin gate", model.RoleAdmin, model.RoleAdmin, http.StatusOK},
		{"operator passes reader gate", model.RoleOperator, model.RoleReader, http.StatusOK},
		{"reader blocked from admin gate", model.RoleReader, model.RoleAdmin, http.StatusForbidden},
		{"agent blocked from operator gate", model.RoleAgent, model.RoleOperator, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := requireRole(tt.minRole)(okHandler())
			req := withClaims(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Claims{
				UserID: "u", TenantID: uuid.New(), Role: tt.role,
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequireRoleWithoutClaims(t *testing.T) {
	h := requireRole(model.RoleReader)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareSkipsPublicPaths(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 0)
	require.NoError(t, err)
	h := authMiddleware(mgr, okHandler())

	for _, path := range []string{"/health", "/auth/token"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "path %s should skip auth", path)
	}
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 0)
	require.NoError(t, err)
	h := authMiddleware(mgr, okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware("https://widget.example.com", okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat-router", nil)
		req.Header.Set("Origin", "https://widget.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "https://widget.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("disallowed origin gets no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat-router", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/chat-router", nil)
		req.Header.Set("Origin", "https://widget.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	})
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	h := corsMiddleware("*", okHandler())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat-router", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://anything.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	body := strings.NewReader(`{"text": "` + strings.Repeat("x", 100) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	rec := httptest.NewRecorder()

	var target struct {
		Text string `json:"text"`
	}
	err := decodeJSON(rec, req, &target, 10)
	require.Error(t, err)

	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nope": 1}`))
	var target struct {
		Text string `json:"text"`
	}
	err := decodeJSON(httptest.NewRecorder(), req, &target, 1024)
	assert.Error(t, err)
}

func TestParseRunNotification(t *testing.T) {
	tenantID := uuid.New()
	runID := uuid.New()

	tid, event, ok := parseRunNotification(tenantID.String() + ":" + runID.String() + ":started")
	require.True(t, ok)
	assert.Equal(t, tenantID, tid)
	assert.Contains(t, string(event), "event: run_status")
	assert.Contains(t, string(event), runID.String())
	assert.Contains(t, string(event), `"status":"started"`)

	_, _, ok = parseRunNotification("garbage")
	assert.False(t, ok)

	_, _, ok = parseRunNotification("not-a-uuid:run:status")
	assert.False(t, ok)
}
