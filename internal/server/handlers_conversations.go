package server

import (
	"errors"
	"net/http"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleGetConversation handles GET /v1/conversations/{conversation_id} (reader+).
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "conversation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	conv, err := h.db.GetConversation(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
			return
		}
		h.writeInternalError(w, r, "failed to get conversation", err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleListConversationEvents handles
// GET /v1/conversations/{conversation_id}/events (reader+). The event trail
// is the audit record of every routing decision in the conversation.
func (h *Handlers) HandleListConversationEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "conversation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 200)

	events, err := h.db.ListEventsByConversation(r.Context(), TenantIDFromContext(r.Context()), id, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list conversation events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleCloseConversation handles POST /v1/conversations/{conversation_id}/close
// (operator+). A closed conversation rejects further router turns.
func (h *Handlers) HandleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "conversation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	tenantID := TenantIDFromContext(r.Context())
	if err := h.db.CloseConversation(r.Context(), tenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
			return
		}
		h.writeInternalError(w, r, "failed to close conversation", err)
		return
	}

	h.recordMutationAudit(r, tenantID, "conversation_closed", "conversation", id.String(), nil, nil, nil)
	w.WriteHeader(http.StatusNoContent)
}
