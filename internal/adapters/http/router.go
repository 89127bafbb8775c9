package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/document-uploader/internal/config"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const serviceName = "api"

// Metrics is the subset of the API metrics the handlers record.
type Metrics interface {
	Handler() http.Handler
	Middleware(service string, next http.Handler) http.Handler
	RecordInit(service string, created bool)
	RecordFinalize(service, result string)
	RecordCredentialIssued(service string)
	RecordStorageBytes(service string, n int64)
}

type Router struct {
	cfg         config.Config
	uploads     ports.UploadService
	credentials ports.CredentialIssuer
	storage     ports.ResumableStorage
	metrics     Metrics
	logger      *slog.Logger
}

func NewRouter(
	cfg config.Config,
	uploads ports.UploadService,
	credentials ports.CredentialIssuer,
	storage ports.ResumableStorage,
	metrics Metrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:         cfg,
		uploads:     uploads,
		credentials: credentials,
		storage:     storage,
		metrics:     metrics,
		logger:      logger,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/uploads", rt.initUpload)
	api.HandleFunc("POST /v1/uploads/credentials", rt.issueCredential)
	api.HandleFunc("POST /v1/uploads/{id}/finalize", rt.finalizeUpload)
	api.HandleFunc("GET /v1/uploads/{id}/status", rt.uploadStatus)
	api.HandleFunc("GET /v1/uploads/{id}", rt.getUpload)

	var apiHandler http.Handler = api
	apiHandler = rateLimitMiddleware(apiHandler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	apiHandler = apiKeyMiddleware(apiHandler, rt.cfg.UploadAPIKey)

	storage := http.NewServeMux()
	storage.HandleFunc("POST /upload/storage/v1/b/{bucket}/o", rt.createStorageSession)
	storage.HandleFunc("PUT /upload/storage/v1/sessions/{session}", rt.putStorageChunk)
	storageHandler := credentialMiddleware(storage, rt.credentials)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/uploads", apiHandler)
	mux.Handle("/v1/uploads/", apiHandler)
	mux.Handle("/upload/storage/v1/", storageHandler)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler, rt.logger)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bearerToken(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(headerValue, bearerPrefix))
}
