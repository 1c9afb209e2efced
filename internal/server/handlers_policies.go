package server

import (
	"errors"
	"net/http"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleCreatePolicy handles POST /v1/policies (admin).
func (h *Handlers) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	policy := model.CommandPolicy{
		TenantID:  TenantIDFromContext(r.Context()),
		Name:      req.Name,
		Pattern:   req.Pattern,
		MatchType: req.MatchType,
		Mode:      req.Mode,
		Risk:      req.Risk,
		Active:    active,
	}
	if err := policy.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.db.CreatePolicy(r.Context(), policy)
	if err != nil {
		h.writeInternalError(w, r, "failed to create policy", err)
		return
	}

	h.recordMutationAudit(r, created.TenantID, "policy_created", "policy", created.ID.String(),
		nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListPolicies handles GET /v1/policies (reader+).
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	policies, total, err := h.db.ListPolicies(r.Context(), TenantIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list policies", err)
		return
	}
	writeList(w, r, policies, total, limit, offset)
}

// HandleGetPolicy handles GET /v1/policies/{policy_id} (reader+).
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "policy_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	policy, err := h.db.GetPolicy(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.writeInternalError(w, r, "failed to get policy", err)
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

// HandleUpdatePolicy handles PUT /v1/policies/{policy_id} (admin).
func (h *Handlers) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "policy_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tenantID := TenantIDFromContext(r.Context())

	before, err := h.db.GetPolicy(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.writeInternalError(w, r, "failed to get policy", err)
		return
	}

	var req model.CreatePolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	updated := before
	updated.Name = req.Name
	updated.Pattern = req.Pattern
	updated.MatchType = req.MatchType
	updated.Mode = req.Mode
	updated.Risk = req.Risk
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if err := updated.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	saved, err := h.db.UpdatePolicy(r.Context(), updated)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.writeInternalError(w, r, "failed to update policy", err)
		return
	}

	h.recordMutationAudit(r, tenantID, "policy_updated", "policy", saved.ID.String(),
		before, saved, nil)
	writeJSON(w, r, http.StatusOK, saved)
}

// HandleDeletePolicy handles DELETE /v1/policies/{policy_id} (admin).
func (h *Handlers) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "policy_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tenantID := TenantIDFromContext(r.Context())

	before, err := h.db.GetPolicy(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.writeInternalError(w, r, "failed to get policy", err)
		return
	}

	if err := h.db.DeletePolicy(r.Context(), tenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete policy", err)
		return
	}

	h.recordMutationAudit(r, tenantID, "policy_deleted", "policy", id.String(), before, nil, nil)
	w.WriteHeader(http.StatusNoContent)
}
