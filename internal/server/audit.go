package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// recordMutationAudit appends a mutation audit event for a state-changing
// admin call. Best-effort: an audit write failure is logged, never surfaced
// to the caller, since blocking the mutation response on the audit trail
// would turn audit outages into API outages.
func (h *Handlers) recordMutationAudit(
	r *http.Request,
	tenantID uuid.UUID,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) {
	claims := ClaimsFromContext(r.Context())
	actorID := "unknown"
	actorRole := "unknown"
	if claims != nil {
		actorID = claims.UserID
		actorRole = string(claims.Role)
	}

	entry := storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		TenantID:     tenantID,
		ActorUserID:  actorID,
		ActorRole:    actorRole,
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     metadata,
	}

	// Detached context: the audit write must survive the request ending.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.db.InsertMutationAudit(writeCtx, entry); err != nil {
		h.logger.Error("mutation audit write failed",
			"operation", operation, "resource_type", resourceType,
			"resource_id", resourceID, "error", err)
	}
}
