package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxJSONBody          = 64 << 10
)

type initRequest struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

func (rt *Router) initUpload(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	rec, created, err := rt.uploads.Init(r.Context(), domain.FileDescriptor{
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
	}, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.recordInit(created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec.InitResult())
}

func (rt *Router) issueCredential(w http.ResponseWriter, r *http.Request) {
	if rt.credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "credential issuing is disabled"})
		return
	}
	subject := requestIDFromContext(r.Context())
	cred, err := rt.credentials.Issue(r.Context(), subject)
	if err != nil {
		rt.writeError(w, r, fmt.Errorf("issue credential: %w", err))
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordCredentialIssued(serviceName)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, cred)
}

func (rt *Router) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.uploads.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.recordFinalize(finalizeResult(err))
		rt.writeError(w, r, err)
		return
	}
	rt.recordFinalize("queued")
	writeJSON(w, http.StatusAccepted, rec.StatusReport())
}

func (rt *Router) uploadStatus(w http.ResponseWriter, r *http.Request) {
	report, err := rt.uploads.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) getUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.uploads.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) recordInit(created bool) {
	if rt.metrics != nil {
		rt.metrics.RecordInit(serviceName, created)
	}
}

func (rt *Router) recordFinalize(result string) {
	if rt.metrics != nil {
		rt.metrics.RecordFinalize(serviceName, result)
	}
}

func finalizeResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return "rejected"
	case errors.Is(err, domain.ErrUploadNotFound):
		return "not_found"
	default:
		return "error"
	}
}
