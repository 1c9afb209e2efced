package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleListRuns handles GET /v1/runs (reader+). Optional agent_id filter.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	var agentID *uuid.UUID
	if v := r.URL.Query().Get("agent_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id")
			return
		}
		agentID = &id
	}

	runs, total, err := h.db.ListRuns(r.Context(), TenantIDFromContext(r.Context()), agentID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id} (reader+).
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCompleteRun handles POST /v1/runs/{run_id}/complete (agent+).
// The agent execution channel reports the terminal status here. The guarded
// UPDATE means a replayed completion of an already terminal run is a 404,
// not a second transition.
func (h *Handlers) HandleCompleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CompleteRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Terminal() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"status must be succeeded or failed")
		return
	}

	tenantID := TenantIDFromContext(r.Context())
	if err := h.db.CompleteRun(r.Context(), tenantID, id, req.Status, req.Error); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found or already completed")
			return
		}
		h.writeInternalError(w, r, "failed to complete run", err)
		return
	}

	// Reflect the outcome into the conversation's event trail so the chat
	// transcript shows how the task ended.
	run, err := h.db.GetRun(r.Context(), tenantID, id)
	if err == nil {
		eventType := model.EventTaskSucceeded
		if req.Status == model.RunFailed {
			eventType = model.EventTaskFailed
		}
		payload := map[string]any{"run_id": run.ID, "batch_id": run.BatchID}
		if req.Error != "" {
			payload["error"] = req.Error
		}
		if evErr := h.db.InsertChatEvent(r.Context(), model.ChatEvent{
			TenantID:       run.TenantID,
			ConversationID: run.ConversationID,
			AgentID:        run.AgentID,
			Type:           eventType,
			Payload:        payload,
		}); evErr != nil {
			h.logger.Warn("run completion event dropped", "run_id", id, "error", evErr)
		}
		h.fireRunCompleted(run)
	}

	w.WriteHeader(http.StatusNoContent)
}
