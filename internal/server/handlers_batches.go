package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// HandleCreateBatch handles POST /v1/batches (admin).
func (h *Handlers) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	batch := model.Batch{
		TenantID:      TenantIDFromContext(r.Context()),
		Name:          req.Name,
		Description:   req.Description,
		Risk:          req.Risk,
		OSTargets:     req.OSTargets,
		InputSchema:   req.InputSchema,
		InputDefaults: req.InputDefaults,
		Preflight:     req.Preflight,
		MaxTimeoutSec: req.MaxTimeoutSec,
		Scope:         req.Scope,
		MaxConcurrent: req.MaxConcurrent,
	}
	if err := batch.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.db.CreateBatch(r.Context(), batch)
	if err != nil {
		h.writeInternalError(w, r, "failed to create batch", err)
		return
	}

	h.recordMutationAudit(r, created.TenantID, "batch_created", "batch", created.ID.String(),
		nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListBatches handles GET /v1/batches (reader+).
func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	batches, total, err := h.db.ListBatches(r.Context(), TenantIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list batches", err)
		return
	}
	writeList(w, r, batches, total, limit, offset)
}

// HandleGetBatch handles GET /v1/batches/{batch_id} (reader+).
func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathUUID(r, "batch_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	batch, err := h.db.GetBatch(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch not found")
			return
		}
		h.writeInternalError(w, r, "failed to get batch", err)
		return
	}
	writeJSON(w, r, http.StatusOK, batch)
}

// HandleCreateBatchVersion handles POST /v1/batches/{batch_id}/versions (admin).
// Versions are created as drafts; activation is a separate, explicit step.
func (h *Handlers) HandleCreateBatchVersion(w http.ResponseWriter, r *http.Request) {
	batchID, err := parsePathUUID(r, "batch_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CreateVersionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}

	tenantID := TenantIDFromContext(r.Context())
	version, err := h.db.CreateBatchVersion(r.Context(), tenantID, batchID, req.Content)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch not found")
			return
		}
		h.writeInternalError(w, r, "failed to create batch version", err)
		return
	}

	h.recordMutationAudit(r, tenantID, "version_created", "batch_version", version.ID.String(),
		nil, nil, map[string]any{
			"batch_id": batchID, "version": version.Version, "content_sha256": version.ContentSHA256,
		})
	writeJSON(w, r, http.StatusCreated, version)
}

// HandleListBatchVersions handles GET /v1/batches/{batch_id}/versions (reader+).
func (h *Handlers) HandleListBatchVersions(w http.ResponseWriter, r *http.Request) {
	batchID, err := parsePathUUID(r, "batch_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	versions, err := h.db.ListBatchVersions(r.Context(), TenantIDFromContext(r.Context()), batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch not found")
			return
		}
		h.writeInternalError(w, r, "failed to list batch versions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, versions)
}

// HandleActivateBatchVersion handles
// POST /v1/batches/{batch_id}/versions/{version}/activate (admin).
// Activation atomically archives the previously active version.
func (h *Handlers) HandleActivateBatchVersion(w http.ResponseWriter, r *http.Request) {
	batchID, err := parsePathUUID(r, "batch_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	versionNum, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || versionNum < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version number")
		return
	}

	tenantID := TenantIDFromContext(r.Context())
	version, err := h.db.ActivateBatchVersion(r.Context(), tenantID, batchID, versionNum)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch or version not found")
			return
		}
		h.writeInternalError(w, r, "failed to activate batch version", err)
		return
	}

	h.recordMutationAudit(r, tenantID, "version_activated", "batch_version", version.ID.String(),
		nil, nil, map[string]any{"batch_id": batchID, "version": version.Version})
	writeJSON(w, r, http.StatusOK, version)
}
