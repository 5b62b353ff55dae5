// Package middleware provides HTTP middleware for the object store gateway.
package middleware

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/objectstore/internal/errors"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "request_id"
	// StartTimeKey is the context key for request start time.
	StartTimeKey ContextKey = "start_time"

	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	// TenantHeader names the tenant when no query parameter does.
	TenantHeader = "X-Tenant-ID"
)

// TenantID extracts the tenant from the X-Tenant-ID header, falling back to
// the tenant_id and tenant query parameters.
func TenantID(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
		return tenant
	}
	query := r.URL.Query()
	if tenant := query.Get("tenant_id"); tenant != "" {
		return tenant
	}
	return query.Get("tenant")
}

// GetRequestID returns the request id stored by RequestID, if any.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		r = r.WithContext(ctx)

		// The error handler reads the id from the request headers
		r.Header.Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

// Logging logs HTTP request details.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := context.WithValue(r.Context(), StartTimeKey, start)
			r = r.WithContext(ctx)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", r.Header.Get(RequestIDHeader)),
				zap.String("tenant_id", TenantID(r)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if key := r.URL.Query().Get("key"); key != "" {
				fields = append(fields, zap.String("key", key))
			}

			if rw.statusCode >= http.StatusInternalServerError {
				logger.Warn("HTTP request", fields...)
				return
			}
			logger.Info("HTTP request", fields...)
		})
	}
}

// Recovery recovers from panics and returns a 500 error.
func Recovery(logger *zap.Logger, errHandler *errors.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := r.Header.Get(RequestIDHeader)
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					errHandler.WriteError(w, errors.InternalError("internal server error", nil), requestID)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CORS adds CORS headers to responses.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Tenant-ID")
				w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// maxTrackedTenants bounds the per-tenant limiter map. Least recently seen
// tenants lose their bucket first.
const maxTrackedTenants = 10000

// RateLimiter is a token bucket rate limiter. With per-tenant limiting each
// tenant gets its own bucket; requests without a tenant share the global one.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	perTenant  bool
	global     *rate.Limiter
	tenants    *lru.Cache
	errHandler *errors.Handler
	logger     *zap.Logger
}

// NewRateLimiter creates a new rate limiter middleware.
func NewRateLimiter(requestsPerSecond float64, burstSize int, perTenant bool, errHandler *errors.Handler, logger *zap.Logger) *RateLimiter {
	tenants, _ := lru.New(maxTrackedTenants)
	return &RateLimiter{
		limit:      rate.Limit(requestsPerSecond),
		burst:      burstSize,
		perTenant:  perTenant,
		global:     rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		tenants:    tenants,
		errHandler: errHandler,
		logger:     logger,
	}
}

func (rl *RateLimiter) limiterFor(tenantID string) *rate.Limiter {
	if !rl.perTenant || tenantID == "" {
		return rl.global
	}
	if l, ok := rl.tenants.Get(tenantID); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	// A concurrent first request for the same tenant may have won the race
	if previous, ok, _ := rl.tenants.PeekOrAdd(tenantID, l); ok {
		return previous.(*rate.Limiter)
	}
	return l
}

// retryAfter returns whole seconds until the next token, at least 1
func (rl *RateLimiter) retryAfter() int {
	if rl.limit <= 0 {
		return 1
	}
	seconds := int(math.Ceil(1 / float64(rl.limit)))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Limit applies rate limiting to requests.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r)
		if !rl.limiterFor(tenantID).Allow() {
			requestID := r.Header.Get(RequestIDHeader)
			rl.logger.Warn("rate limit exceeded",
				zap.String("request_id", requestID),
				zap.String("tenant_id", tenantID),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			rl.errHandler.WriteRateLimitedError(w, rl.retryAfter(), requestID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Chain chains multiple middleware functions.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
