// Package api provides the HTTP API handlers and routing for the access
// service.
package api

import (
	"accessd/internal/apperrors"
	"accessd/internal/artifact"
	"accessd/internal/health"
	"accessd/internal/job"
	"accessd/internal/manifest"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// maxRequestBodySize limits JSON request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// Handler contains HTTP handlers for the access API.
type Handler struct {
	svc           *job.Service
	health        *health.Checker
	maxUploadSize int64
}

// NewHandler creates a new API handler.
func NewHandler(svc *job.Service, healthChecker *health.Checker, maxUploadSize int64) *Handler {
	return &Handler{
		svc:           svc,
		health:        healthChecker,
		maxUploadSize: maxUploadSize,
	}
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string         `json:"error"`
	Kind  apperrors.Kind `json:"kind,omitempty"`
	Field string         `json:"field,omitempty"`
}

type existsResponse struct {
	ID     string `json:"id"`
	Exists bool   `json:"exists"`
}

type resourceListResponse struct {
	Resources []manifest.Resource `json:"resources"`
}

type failureResponse struct {
	ID      string            `json:"id"`
	Status  manifest.Status   `json:"status"`
	Failure *manifest.Failure `json:"failure"`
}

type filesResponse struct {
	ID    string          `json:"id"`
	Files []artifact.File `json:"files"`
}

// UploadResource handles POST /v1/resources. The multipart body is streamed
// into the store; the "file" part is the payload.
func (h *Handler) UploadResource(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "multipart/form-data body is required")
		return
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			if isTooLarge(err) {
				h.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
				return
			}
			h.writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		filename := part.FileName()
		if filename == "" {
			part.Close()
			h.writeError(w, http.StatusBadRequest, "file field must carry a filename")
			return
		}

		res, err := h.svc.UploadResource(r.Context(), filename, part)
		part.Close()
		if err != nil {
			if isTooLarge(err) {
				h.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
				return
			}
			h.handleError(w, r, err)
			return
		}

		h.writeJSON(w, http.StatusCreated, res)
		return
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// ListResources handles GET /v1/resources.
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.svc.ListResources(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if resources == nil {
		resources = []manifest.Resource{}
	}
	h.writeJSON(w, http.StatusOK, resourceListResponse{Resources: resources})
}

// GetResource handles GET /v1/resources/{resourceId}.
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("resourceId")
	exists, err := h.svc.ResourceExists(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, existsResponse{ID: id, Exists: exists})
}

// FindResourceByHash handles GET /v1/resources/hash/{hash}.
func (h *Handler) FindResourceByHash(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	id, ok, err := h.svc.FindResourceByHash(r.Context(), hash)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "no resource with hash "+hash)
		return
	}
	h.writeJSON(w, http.StatusOK, existsResponse{ID: id, Exists: true})
}

// DeleteResource handles DELETE /v1/resources/{resourceId}.
func (h *Handler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteResource(r.Context(), r.PathValue("resourceId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ListStatuses(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}. Unknown ids report "not_found" with
// a 200 so the status is always definite.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	cancelled, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job.CancelResponse{ID: jobID, Cancelled: cancelled})
}

// DeleteJob handles DELETE /v1/jobs/{jobId}: it removes a terminal job's
// results and record.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteJobResults(r.Context(), r.PathValue("jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetJobResult handles GET /v1/jobs/{jobId}/result. A finished job streams
// its outputs as tar.gz; a failed job returns its failure as JSON.
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Result(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if j.Status == manifest.StatusFailed {
		h.writeJSON(w, http.StatusOK, failureResponse{ID: j.ID, Status: j.Status, Failure: j.Failure})
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+j.ID+`.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	if err := artifact.WriteArchive(r.Context(), w, j.ResultPath); err != nil {
		// Headers are gone; the client sees a truncated archive.
		slog.Error("Failed to stream job result", "jobId", j.ID, "error", err)
	}
}

// ListJobFiles handles GET /v1/jobs/{jobId}/files.
func (h *Handler) ListJobFiles(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	dir, ok, err := h.svc.JobResultLocation(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "job "+jobID+" has no result")
		return
	}

	files, err := artifact.List(dir)
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.listJobFiles", err))
		return
	}
	if files == nil {
		files = []artifact.File{}
	}
	h.writeJSON(w, http.StatusOK, filesResponse{ID: jobID, Files: files})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the manifest or executor backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := errorResponse{Error: err.Error(), Kind: apperrors.KindOf(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	h.writeJSON(w, status, resp)
}
