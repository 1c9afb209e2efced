package server

import (
	"errors"
	"net/http"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleChatRouter handles POST /v1/chat-router: one utterance in, exactly
// one response state out. Pipeline-internal failures are absorbed by the
// router into a state=done answer; only request-shape problems surface as
// HTTP errors here.
func (h *Handlers) HandleChatRouter(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	// The widget authenticates with a console JWT; the acting user is the
	// token's, regardless of what the body claims.
	req.UserID = claims.UserID

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.router.Handle(r.Context(), claims.TenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent or conversation not found")
		case errors.Is(err, storage.ErrConversationClosed):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "conversation is closed")
		default:
			h.writeInternalError(w, r, "chat router failed", err)
		}
		return
	}

	if resp.State == model.StateTaskQueued && resp.RunID != nil && len(h.runHooks) > 0 {
		if run, runErr := h.db.GetRun(r.Context(), claims.TenantID, *resp.RunID); runErr == nil {
			h.fireRunQueued(run)
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}
