package httpadapter

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// statusResumeIncomplete is answered while a session still expects bytes.
const statusResumeIncomplete = http.StatusPermanentRedirect

func (rt *Router) createStorageSession(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("uploadType") != "resumable" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "uploadType must be resumable"})
		return
	}
	bucket := r.PathValue("bucket")
	if rt.cfg.StorageBucket != "" && bucket != rt.cfg.StorageBucket {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bucket " + bucket})
		return
	}
	object := query.Get("name")
	if object == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "object name is required"})
		return
	}
	size, err := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Upload-Content-Length must be a positive integer"})
		return
	}
	if rt.cfg.UploadMaxSize > 0 && size > rt.cfg.UploadMaxSize {
		rt.writeError(w, r, domain.WrapError(domain.ErrTooLarge, "create session", fmt.Errorf("%d bytes", size)))
		return
	}

	sessionID, err := rt.storage.CreateSession(r.Context(), bucket, object, r.Header.Get("X-Upload-Content-Type"), size)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", rt.sessionLocation(sessionID))
	writeJSON(w, http.StatusOK, map[string]string{"session": sessionID})
}

func (rt *Router) sessionLocation(sessionID string) string {
	path := "/upload/storage/v1/sessions/" + url.PathEscape(sessionID)
	if base := strings.TrimRight(rt.cfg.PublicBaseURL, "/"); base != "" {
		return base + path
	}
	return path
}

func (rt *Router) putStorageChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	cr, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "put chunk", err))
		return
	}

	if cr.query {
		offset, total, err := rt.storage.SessionOffset(r.Context(), sessionID)
		if err != nil {
			rt.writeError(w, r, err)
			return
		}
		if total != cr.total {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "query offset",
				fmt.Errorf("declared size %d does not match session size %d", cr.total, total)))
			return
		}
		writeOffset(w, offset, total)
		return
	}

	length := cr.end - cr.start + 1
	if rt.cfg.StorageChunkLimit > 0 && length > rt.cfg.StorageChunkLimit {
		rt.writeError(w, r, domain.WrapError(domain.ErrTooLarge, "put chunk",
			fmt.Errorf("chunk of %d bytes exceeds the %d byte limit", length, rt.cfg.StorageChunkLimit)))
		return
	}
	if r.ContentLength >= 0 && r.ContentLength != length {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "put chunk",
			fmt.Errorf("body has %d bytes, Content-Range announces %d", r.ContentLength, length)))
		return
	}

	body := http.MaxBytesReader(w, r.Body, length)
	offset, complete, err := rt.storage.WriteChunk(r.Context(), sessionID, cr.start, cr.total, body)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordStorageBytes(serviceName, length)
	}
	if complete {
		writeOffset(w, cr.total, cr.total)
		return
	}
	writeOffset(w, offset, cr.total)
}

// writeOffset answers 200 for a complete object and 308 with the committed range otherwise.
func writeOffset(w http.ResponseWriter, offset, total int64) {
	if offset >= total {
		writeJSON(w, http.StatusOK, map[string]int64{"size": total})
		return
	}
	if offset > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", offset-1))
	}
	w.WriteHeader(statusResumeIncomplete)
}

type contentRange struct {
	start, end, total int64
	query             bool
}

// parseContentRange accepts "bytes a-b/total" and the offset query "bytes */total".
func parseContentRange(value string) (contentRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return contentRange{}, fmt.Errorf("unsupported Content-Range %q", value)
	}
	rng, totalRaw, ok := strings.Cut(spec, "/")
	if !ok {
		return contentRange{}, fmt.Errorf("Content-Range %q has no total", value)
	}
	total, err := strconv.ParseInt(totalRaw, 10, 64)
	if err != nil || total <= 0 {
		return contentRange{}, fmt.Errorf("invalid total in Content-Range %q", value)
	}
	if rng == "*" {
		return contentRange{total: total, query: true}, nil
	}
	startRaw, endRaw, ok := strings.Cut(rng, "-")
	if !ok {
		return contentRange{}, fmt.Errorf("invalid range in Content-Range %q", value)
	}
	start, err1 := strconv.ParseInt(startRaw, 10, 64)
	end, err2 := strconv.ParseInt(endRaw, 10, 64)
	if err := errors.Join(err1, err2); err != nil || start < 0 || end < start || end >= total {
		return contentRange{}, fmt.Errorf("invalid range in Content-Range %q", value)
	}
	return contentRange{start: start, end: end, total: total}, nil
}
