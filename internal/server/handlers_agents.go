package server

import (
	"errors"
	"net/http"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleCreateAgent handles POST /v1/agents (admin).
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateHostname(req.Hostname); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateOS(req.OS); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.db.CreateAgent(r.Context(), model.Agent{
		TenantID: TenantIDFromContext(r.Context()),
		Hostname: req.Hostname,
		OS:       req.OS,
		Status:   model.AgentOffline,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}

	h.recordMutationAudit(r, created.TenantID, "agent_created", "agent", created.ID.String(),
		nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListAgents handles GET /v1/agents (reader+).
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	agents, total, err := h.db.ListAgents(r.Context(), TenantIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeList(w, r, agents, total, limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{agent_id} (reader+).
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.db.GetAgent(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to get agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentHeartbeat handles POST /v1/agents/{agent_id}/heartbeat (agent+).
// The reported telemetry snapshot feeds the router's preflight checks.
func (h *Handlers) HandleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.HeartbeatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	switch req.Status {
	case model.AgentRunning, model.AgentStopped, model.AgentOffline:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent status")
		return
	}

	err = h.db.RecordHeartbeat(r.Context(), TenantIDFromContext(r.Context()), id, req.Status, req.Heartbeat)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to record heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
