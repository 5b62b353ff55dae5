// Package handler provides HTTP request handlers for the object store gateway.
package handler

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/middleware"
	"github.com/devrev/objectstore/internal/service"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	service       *service.ObjectService
	errorHandler  *errors.Handler
	logger        *zap.Logger
	timeout       time.Duration
	maxObjectSize int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	svc *service.ObjectService,
	errorHandler *errors.Handler,
	logger *zap.Logger,
	timeout time.Duration,
	maxObjectSize int64,
) *Handlers {
	return &Handlers{
		service:       svc,
		errorHandler:  errorHandler,
		logger:        logger,
		timeout:       timeout,
		maxObjectSize: maxObjectSize,
	}
}

// objectKey reads the key query parameter, falling back to object_id
func objectKey(r *http.Request) string {
	query := r.URL.Query()
	if key := query.Get("key"); key != "" {
		return key
	}
	return query.Get("object_id")
}

func (h *Handlers) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// fail writes err, reporting a request whose own deadline fired as a timeout
// whatever layer noticed it first
func (h *Handlers) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, operation string, err error) {
	if goerrors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.IsKind(err, errors.KindDataIntegrity) {
		err = errors.Timeout(operation, err)
	}
	h.errorHandler.HandleError(w, r, err)
}

// Upload handles PUT /upload requests.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(middleware.RequestIDHeader)
	tenantID := middleware.TenantID(r)
	key := objectKey(r)

	// The body is read in full, and bounded, before anything is reserved
	// or written, so a client that disconnects mid-upload changes nothing.
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxObjectSize+1))
	if err != nil {
		h.logger.Warn("Failed to read upload body",
			zap.String("request_id", requestID),
			zap.String("tenant_id", tenantID),
			zap.String("key", key),
			zap.Error(err))
		h.errorHandler.WriteValidationError(w, "failed to read request body", requestID)
		return
	}
	if int64(len(body)) > h.maxObjectSize {
		h.errorHandler.WriteError(w, errors.ObjectTooLarge(h.maxObjectSize), requestID)
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	resp, err := h.service.Upload(ctx, &service.UploadRequest{
		TenantID:    tenantID,
		Key:         key,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		h.fail(ctx, w, r, "upload", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toUploadResponse(resp))
}

// Download handles GET /download requests.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	resp, err := h.service.Download(ctx, middleware.TenantID(r), objectKey(r))
	if err != nil {
		h.fail(ctx, w, r, "download", err)
		return
	}

	obj := resp.Object
	header := w.Header()
	header.Set("Content-Type", obj.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(resp.Data)))
	header.Set("ETag", strconv.Quote(obj.ETag))
	if !obj.LastModified.IsZero() {
		header.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Data); err != nil {
		h.logger.Debug("Failed to write download body",
			zap.String("request_id", r.Header.Get(middleware.RequestIDHeader)),
			zap.Error(err))
	}
}

// Delete handles DELETE /delete requests.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	resp, err := h.service.Delete(ctx, middleware.TenantID(r), objectKey(r))
	if err != nil {
		h.fail(ctx, w, r, "delete", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toDeleteResponse(resp))
}

// List handles GET /list requests.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(middleware.RequestIDHeader)
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.errorHandler.WriteValidationError(w, "limit must be an integer", requestID)
			return
		}
		limit = parsed
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	resp, err := h.service.List(ctx, middleware.TenantID(r), query.Get("prefix"), query.Get("marker"), limit)
	if err != nil {
		h.fail(ctx, w, r, "list", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toListResponse(resp))
}

// Quota handles GET /quota requests.
func (h *Handlers) Quota(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	usage, err := h.service.Quota(ctx, middleware.TenantID(r))
	if err != nil {
		h.fail(ctx, w, r, "quota", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toQuotaResponse(usage))
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
