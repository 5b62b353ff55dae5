// Package ledger tracks per-tenant byte usage against configured quota limits.
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/model"
	"github.com/devrev/objectstore/internal/util/keylock"
)

// Backend persists usage counters. Implementations must apply TryAdd as a
// single atomic compare-and-add so several processes may share one backend.
type Backend interface {
	// TryAdd adds delta to the tenant's usage if the result stays within limit.
	// It returns the usage after the call and whether the delta was applied.
	TryAdd(ctx context.Context, tenantID string, delta, limit int64) (used int64, applied bool, err error)
	// Sub subtracts delta, flooring usage at zero.
	Sub(ctx context.Context, tenantID string, delta int64) (used int64, err error)
	Used(ctx context.Context, tenantID string) (int64, error)
	Set(ctx context.Context, tenantID string, used int64) error
	// Tenants lists every tenant that has a stored counter.
	Tenants(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Limits resolves a tenant's quota limit
type Limits struct {
	Default   int64
	Overrides map[string]int64
}

// For returns the limit that applies to tenantID
func (l Limits) For(tenantID string) int64 {
	if limit, ok := l.Overrides[tenantID]; ok {
		return limit
	}
	return l.Default
}

// Ledger serializes reservations per tenant and fails closed when its backend
// cannot answer.
type Ledger struct {
	backend Backend
	limits  Limits
	metrics *metrics.Metrics
	logger  *zap.Logger

	locks *keylock.Locker
}

// NewLedger creates a ledger over backend
func NewLedger(backend Backend, limits Limits, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{
		backend: backend,
		limits:  limits,
		metrics: m,
		logger:  logger,
		locks:   keylock.New(),
	}
}

// Reserve claims delta bytes for tenantID. A denial is reported through the
// decision, not the error. A backend failure denies the write and returns a
// LEDGER_UNAVAILABLE error.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, delta int64) (model.QuotaDecision, error) {
	limit := l.limits.For(tenantID)
	if delta <= 0 {
		return model.QuotaDecision{Allowed: true, Limit: limit}, nil
	}

	unlock := l.locks.Lock(tenantID)
	defer unlock()

	start := time.Now()
	used, applied, err := l.backend.TryAdd(ctx, tenantID, delta, limit)
	if err != nil {
		l.metrics.RecordLedgerDecision("error")
		l.logger.Error("Quota ledger unavailable, denying write",
			zap.String("tenant_id", tenantID),
			zap.Int64("delta", delta),
			zap.Error(err))
		return model.QuotaDecision{Allowed: false, Limit: limit}, errors.LedgerUnavailable(err)
	}

	if !applied {
		l.metrics.RecordLedgerDecision("denied")
		l.logger.Info("Quota reservation denied",
			zap.String("tenant_id", tenantID),
			zap.Int64("delta", delta),
			zap.Int64("used", used),
			zap.Int64("limit", limit))
		return model.QuotaDecision{Allowed: false, Used: used, Limit: limit}, nil
	}

	l.metrics.RecordLedgerDecision("allowed")
	l.logger.Debug("Quota reserved",
		zap.String("tenant_id", tenantID),
		zap.Int64("delta", delta),
		zap.Int64("used", used),
		zap.Duration("latency", time.Since(start)))

	return model.QuotaDecision{Allowed: true, Used: used, Limit: limit}, nil
}

// Release returns delta bytes to tenantID's quota
func (l *Ledger) Release(ctx context.Context, tenantID string, delta int64) error {
	if delta <= 0 {
		return nil
	}

	unlock := l.locks.Lock(tenantID)
	defer unlock()

	used, err := l.backend.Sub(ctx, tenantID, delta)
	if err != nil {
		l.logger.Error("Failed to release quota",
			zap.String("tenant_id", tenantID),
			zap.Int64("delta", delta),
			zap.Error(err))
		return errors.FromBackend("quota ledger", err)
	}

	l.logger.Debug("Quota released",
		zap.String("tenant_id", tenantID),
		zap.Int64("delta", delta),
		zap.Int64("used", used))
	return nil
}

// Usage reports tenantID's current usage and limit
func (l *Ledger) Usage(ctx context.Context, tenantID string) (model.TenantUsage, error) {
	used, err := l.backend.Used(ctx, tenantID)
	if err != nil {
		return model.TenantUsage{}, errors.FromBackend("quota ledger", err)
	}
	return model.TenantUsage{
		TenantID: tenantID,
		Used:     used,
		Limit:    l.limits.For(tenantID),
	}, nil
}

// Reconcile overwrites usage counters with sums computed from the object
// index. Tenants with a stored counter but no indexed objects are reset to
// zero.
func (l *Ledger) Reconcile(ctx context.Context, usage map[string]int64) error {
	stored, err := l.backend.Tenants(ctx)
	if err != nil {
		return errors.FromBackend("quota ledger", err)
	}

	targets := make(map[string]int64, len(usage)+len(stored))
	for _, tenantID := range stored {
		targets[tenantID] = 0
	}
	for tenantID, used := range usage {
		targets[tenantID] = used
	}

	for tenantID, used := range targets {
		unlock := l.locks.Lock(tenantID)
		err := l.backend.Set(ctx, tenantID, used)
		unlock()
		if err != nil {
			return errors.FromBackend("quota ledger", err)
		}
	}
	l.logger.Info("Quota ledger reconciled",
		zap.Int("tenants", len(usage)),
		zap.Int("reset", len(targets)-len(usage)))
	return nil
}

// Ping checks the backend
func (l *Ledger) Ping(ctx context.Context) error {
	return l.backend.Ping(ctx)
}

// Close releases backend resources
func (l *Ledger) Close() error {
	return l.backend.Close()
}
