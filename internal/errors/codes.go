package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures crossing component boundaries
type ErrorKind string

const (
	// Client errors
	KindValidation    ErrorKind = "VALIDATION"
	KindQuotaExceeded ErrorKind = "QUOTA_EXCEEDED"
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindRateLimited   ErrorKind = "RATE_LIMITED"

	// Server errors
	KindTransientBackend  ErrorKind = "TRANSIENT_BACKEND"
	KindLedgerUnavailable ErrorKind = "LEDGER_UNAVAILABLE"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindDataIntegrity     ErrorKind = "DATA_INTEGRITY"
	KindInternal          ErrorKind = "INTERNAL"
	KindFatal             ErrorKind = "FATAL"
)

// Reasons refine a VALIDATION error for upload bodies
const (
	ReasonObjectTooLarge = "OBJECT_TOO_LARGE"
	ReasonMissingBody    = "MISSING_BODY"
)

// ObjectStoreError is a structured error carrying its kind and context
type ObjectStoreError struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ObjectStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ObjectStoreError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to the status code written by the gateway
func (e *ObjectStoreError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientBackend, KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may safely repeat the request
func (e *ObjectStoreError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransientBackend, KindLedgerUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new ObjectStoreError
func NewError(kind ErrorKind, message string, cause error) *ObjectStoreError {
	return &ObjectStoreError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ObjectStoreError) WithDetail(key string, value interface{}) *ObjectStoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string) *ObjectStoreError {
	return NewError(KindValidation, message, nil)
}

func InvalidTenantID(tenantID, reason string) *ObjectStoreError {
	return NewError(KindValidation, fmt.Sprintf("invalid tenant ID '%s': %s", tenantID, reason), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("reason", reason)
}

func InvalidKey(key, reason string) *ObjectStoreError {
	return NewError(KindValidation, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("reason", reason)
}

func KeyTooLarge(size, maxSize int) *ObjectStoreError {
	return NewError(KindValidation, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ObjectTooLarge(maxSize int64) *ObjectStoreError {
	return NewError(KindValidation, fmt.Sprintf("object exceeds maximum size of %d bytes", maxSize), nil).
		WithDetail("reason", ReasonObjectTooLarge).
		WithDetail("max_size", maxSize)
}

func MissingBody() *ObjectStoreError {
	return NewError(KindValidation, "request body is required", nil).
		WithDetail("reason", ReasonMissingBody)
}

func ObjectNotFound(tenantID, key string) *ObjectStoreError {
	return NewError(KindNotFound, fmt.Sprintf("object not found: %s", key), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("key", key)
}

// BlobNotFound reports a storage location missing from the authoritative tier.
func BlobNotFound(locationID string) *ObjectStoreError {
	return NewError(KindNotFound, "object content not found", nil).
		WithDetail("location", locationID)
}

// QuotaExceeded carries the usage snapshot at the moment of denial. The message
// keeps the "quota exceeded" wording that SDK clients match on.
func QuotaExceeded(tenantID string, used, limit, requested int64) *ObjectStoreError {
	return NewError(KindQuotaExceeded,
		fmt.Sprintf("quota exceeded for tenant %s: used %d of %d bytes, requested %d", tenantID, used, limit, requested), nil).
		WithDetail("used", used).
		WithDetail("limit", limit).
		WithDetail("requested", requested)
}

func RateLimited(retryAfterSeconds int) *ObjectStoreError {
	return NewError(KindRateLimited, "rate limit exceeded", nil).
		WithDetail("retry_after_seconds", retryAfterSeconds)
}

func TransientBackend(component string, cause error) *ObjectStoreError {
	return NewError(KindTransientBackend, fmt.Sprintf("%s temporarily unavailable", component), cause).
		WithDetail("component", component)
}

func LedgerUnavailable(cause error) *ObjectStoreError {
	return NewError(KindLedgerUnavailable, "quota ledger unavailable, write denied", cause)
}

func Timeout(operation string, cause error) *ObjectStoreError {
	return NewError(KindTimeout, fmt.Sprintf("%s timed out", operation), cause).
		WithDetail("operation", operation)
}

func DataIntegrity(message string, cause error) *ObjectStoreError {
	return NewError(KindDataIntegrity, message, cause)
}

func ChecksumFailed(expected, actual uint32) *ObjectStoreError {
	return NewError(KindDataIntegrity, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *ObjectStoreError {
	return NewError(KindInternal, message, cause)
}

func Fatal(message string, cause error) *ObjectStoreError {
	return NewError(KindFatal, message, cause)
}

// AsObjectStoreError extracts an ObjectStoreError anywhere in the chain
func AsObjectStoreError(err error) (*ObjectStoreError, bool) {
	var oe *ObjectStoreError
	if goerrors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// KindOf extracts the error kind from an error
func KindOf(err error) ErrorKind {
	if oe, ok := AsObjectStoreError(err); ok {
		return oe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	oe, ok := AsObjectStoreError(err)
	return ok && oe.Kind == kind
}

// IsNotFound reports whether err signals an absent object
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// FromBackend classifies a raw backend failure at a tier or store boundary.
// Typed errors pass through, deadline expiry becomes a timeout and anything else
// is treated as a transient backend failure.
func FromBackend(component string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsObjectStoreError(err); ok {
		return err
	}
	if goerrors.Is(err, context.DeadlineExceeded) {
		return Timeout(component, err)
	}
	return TransientBackend(component, err)
}
