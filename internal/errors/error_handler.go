package errors

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
// Error carries the human readable message; ErrorKind is the machine readable
// classification clients should prefer over matching message text.
type ErrorResponse struct {
	Status            string    `json:"status"`
	Error             string    `json:"error"`
	ErrorKind         ErrorKind `json:"error_kind"`
	Reason            string    `json:"reason,omitempty"`
	Retryable         bool      `json:"retryable"`
	RequestID         string    `json:"request_id,omitempty"`
	Used              *int64    `json:"used,omitempty"`
	Limit             *int64    `json:"limit,omitempty"`
	RetryAfterSeconds *int      `json:"retry_after_seconds,omitempty"`
}

// Handler provides error handling functionality.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// Classify converts any error into an ObjectStoreError suitable for the wire.
// Unknown errors become INTERNAL with a generic message so causes never leak.
func Classify(err error) *ObjectStoreError {
	if oe, ok := AsObjectStoreError(err); ok {
		return oe
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return Timeout("request", err)
	case goerrors.Is(err, context.Canceled):
		return TransientBackend("request", err)
	default:
		return InternalError("internal error", err)
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	oe := Classify(err)
	requestID := r.Header.Get("X-Request-ID")

	if oe.Kind == KindDataIntegrity {
		h.logger.Error("Data integrity violation",
			zap.Bool("integrity_violation", true),
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else if oe.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("error_kind", string(oe.Kind)),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	h.WriteError(w, oe, requestID)
}

// WriteError writes a typed error as a JSON response.
func (h *Handler) WriteError(w http.ResponseWriter, oe *ObjectStoreError, requestID string) {
	resp := ErrorResponse{
		Status:    "error",
		Error:     oe.Message,
		ErrorKind: oe.Kind,
		Retryable: oe.Retryable(),
		RequestID: requestID,
	}

	switch oe.Kind {
	case KindValidation:
		if reason, ok := oe.Details["reason"].(string); ok {
			resp.Reason = reason
		}
	case KindQuotaExceeded:
		if used, ok := oe.Details["used"].(int64); ok {
			resp.Used = &used
		}
		if limit, ok := oe.Details["limit"].(int64); ok {
			resp.Limit = &limit
		}
	case KindRateLimited:
		if after, ok := oe.Details["retry_after_seconds"].(int); ok {
			resp.RetryAfterSeconds = &after
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
	}

	h.writeResponse(w, oe.HTTPStatus(), resp)
}

// WriteErrorResponse writes a formatted error response for a kind and message.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, kind ErrorKind, message string, requestID string) {
	resp := ErrorResponse{
		Status:    "error",
		Error:     message,
		ErrorKind: kind,
		Retryable: NewError(kind, message, nil).Retryable(),
		RequestID: requestID,
	}
	h.writeResponse(w, statusCode, resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteError(w, Validation(message), requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, retryAfterSeconds int, requestID string) {
	h.WriteError(w, RateLimited(retryAfterSeconds), requestID)
}

func (h *Handler) writeResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_kind", string(resp.ErrorKind)),
		zap.String("message", resp.Error),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("Failed to encode error response", zap.Error(err))
	}
}
