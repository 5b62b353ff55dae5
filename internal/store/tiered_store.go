package store

import (
	"bytes"
	"context"
	"encoding/hex"
	goerrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/model"
	"github.com/devrev/objectstore/internal/util"
	"github.com/devrev/objectstore/internal/util/workerpool"
)

// Config holds TieredStore settings
type Config struct {
	PopulateOnWrite bool
	HotTimeout      time.Duration
	WarmTimeout     time.Duration
	ColdTimeout     time.Duration
}

// WriteResult describes a completed durable write
type WriteResult struct {
	Location model.Location
	Size     int64
	ETag     string
}

// TierProbe checks one tier's availability
type TierProbe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// TieredStore reads through hot, warm and cold tiers and writes through to
// cold. Cache tiers are optional; cold is always present.
type TieredStore struct {
	cfg     Config
	caches  []CacheTier
	cold    ColdBackend
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewTieredStore assembles a store. hot and warm may be nil to disable them.
// Promotions run on pool.
func NewTieredStore(cfg Config, hot, warm CacheTier, cold ColdBackend, pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *TieredStore {
	s := &TieredStore{
		cfg:     cfg,
		cold:    cold,
		pool:    pool,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("github.com/devrev/objectstore/internal/store"),
	}
	if hot != nil {
		s.caches = append(s.caches, hot)
	}
	if warm != nil {
		s.caches = append(s.caches, warm)
	}
	return s
}

func (s *TieredStore) timeoutFor(tier string) time.Duration {
	switch tier {
	case TierHot:
		return s.cfg.HotTimeout
	case TierWarm:
		return s.cfg.WarmTimeout
	default:
		return s.cfg.ColdTimeout
	}
}

// run executes fn under the tier's timeout. fn keeps running in the
// background if the deadline fires first; the caller gets the timeout.
func (s *TieredStore) run(ctx context.Context, tier, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "store."+tier+"."+op,
		trace.WithAttributes(attribute.String("store.tier", tier)))
	defer span.End()

	if timeout := s.timeoutFor(tier); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := "ok"
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		result = "not_found"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.RecordTierOperation(tier, op, result, time.Since(start))

	return tierError(tier, err)
}

// tierError classifies a failure at the tier boundary. Timeouts and I/O
// errors are retryable; typed errors pass through.
func tierError(tier string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsObjectStoreError(err); ok {
		return err
	}
	component := tier + " tier"
	if goerrors.Is(err, context.DeadlineExceeded) {
		return errors.TransientBackend(component, err).WithDetail("timeout", true)
	}
	return errors.TransientBackend(component, err)
}

// Write durably stores r (exactly size bytes) under a fresh location for
// (tenantID, key). The blob is in the cold tier when Write returns nil.
func (s *TieredStore) Write(ctx context.Context, tenantID, key string, r io.Reader, size int64) (WriteResult, error) {
	loc := model.Location{TenantID: tenantID, Key: key, Version: uuid.NewString()}
	id := loc.ID()

	var copyBuf *bytes.Buffer
	src := r
	if s.cfg.PopulateOnWrite && len(s.caches) > 0 {
		copyBuf = bytes.NewBuffer(make([]byte, 0, size))
		src = io.TeeReader(r, copyBuf)
	}
	framer := newFramingReader(src)

	err := s.run(ctx, TierCold, "put", func(ctx context.Context) error {
		return s.cold.Put(ctx, id, framer, size+util.ChecksumSize)
	})
	if err != nil {
		s.logger.Warn("Cold tier write failed",
			zap.String("tenant_id", tenantID),
			zap.String("key", key),
			zap.String("location", id),
			zap.Error(err))
		return WriteResult{}, err
	}

	if framer.n != size {
		s.deleteCold(id)
		return WriteResult{}, errors.Validation(fmt.Sprintf("object body has %d bytes, expected %d", framer.n, size))
	}

	result := WriteResult{
		Location: loc,
		Size:     size,
		ETag:     hex.EncodeToString(framer.Sum()),
	}

	if copyBuf != nil {
		s.promote(id, copyBuf.Bytes(), s.caches)
	}

	s.logger.Debug("Object content written",
		zap.String("tenant_id", tenantID),
		zap.String("key", key),
		zap.String("location", id),
		zap.Int64("size", size))
	return result, nil
}

// Read returns the bytes stored at loc. A cached copy is only served once the
// cold tier confirms the blob still exists.
func (s *TieredStore) Read(ctx context.Context, loc model.Location) ([]byte, error) {
	id := loc.ID()

	for i, tier := range s.caches {
		data, ok := s.cacheGet(ctx, tier, id)
		if !ok {
			continue
		}

		var exists bool
		err := s.run(ctx, TierCold, "stat", func(ctx context.Context) error {
			var err error
			exists, err = s.cold.Stat(ctx, id)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !exists {
			s.logger.Warn("Cached content missing from cold tier, invalidating",
				zap.String("location", id),
				zap.String("tier", tier.Name()))
			s.invalidate(ctx, id)
			return nil, errors.BlobNotFound(id)
		}

		s.promote(id, data, s.caches[:i])
		return data, nil
	}

	var framed []byte
	err := s.run(ctx, TierCold, "get", func(ctx context.Context) error {
		var err error
		framed, err = s.cold.Get(ctx, id)
		return err
	})
	if err != nil {
		if errors.IsKind(err, errors.KindDataIntegrity) {
			s.reportIntegrityViolation(loc, err)
		}
		return nil, err
	}

	data, expected, actual, ok := util.ValidateAndStripChecksum(framed)
	if !ok {
		err := errors.ChecksumFailed(expected, actual).WithDetail("location", id)
		s.reportIntegrityViolation(loc, err)
		return nil, err
	}

	s.promote(id, data, s.caches)
	return data, nil
}

func (s *TieredStore) reportIntegrityViolation(loc model.Location, err error) {
	s.metrics.RecordIntegrityViolation()
	s.logger.Error("Cold tier integrity check failed",
		zap.Bool("integrity_violation", true),
		zap.String("tenant_id", loc.TenantID),
		zap.String("key", loc.Key),
		zap.String("location", loc.ID()),
		zap.Error(err))
}

// cacheGet reads one cache tier, treating any failure as a miss
func (s *TieredStore) cacheGet(ctx context.Context, tier CacheTier, id string) ([]byte, bool) {
	var (
		data []byte
		ok   bool
	)
	err := s.run(ctx, tier.Name(), "get", func(ctx context.Context) error {
		var err error
		data, ok, err = tier.Get(ctx, id)
		return err
	})
	if err != nil {
		s.logger.Warn("Cache tier read failed, falling through",
			zap.String("tier", tier.Name()),
			zap.String("location", id),
			zap.Error(err))
		return nil, false
	}
	return data, ok
}

// promote copies data into tiers in the background. Promotions are dropped
// when the pool queue is full.
func (s *TieredStore) promote(id string, data []byte, tiers []CacheTier) {
	if len(tiers) == 0 || s.pool == nil {
		return
	}

	targets := append([]CacheTier(nil), tiers...)
	accepted := s.pool.TrySubmit(workerpool.Task{
		ID: "promote-" + id,
		Fn: func(ctx context.Context) error {
			var firstErr error
			for _, tier := range targets {
				tier := tier
				err := s.run(ctx, tier.Name(), "put", func(ctx context.Context) error {
					return tier.Put(ctx, id, data)
				})
				if err != nil {
					s.metrics.RecordPromotion(tier.Name(), "error")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				s.metrics.RecordPromotion(tier.Name(), "ok")
			}
			return firstErr
		},
	})

	stats := s.pool.Stats()
	if !accepted {
		for _, tier := range targets {
			s.metrics.RecordPromotion(tier.Name(), "dropped")
		}
		s.logger.Debug("Promotion queue full, dropping promotion",
			zap.String("location", id),
			zap.Float64("queue_utilization", stats.QueueUtilization()))
	}
	s.metrics.SetWorkerQueueDepth("promotion", stats.QueuedTasks)
}

func (s *TieredStore) invalidate(ctx context.Context, id string) {
	for _, tier := range s.caches {
		tier := tier
		err := s.run(ctx, tier.Name(), "delete", func(ctx context.Context) error {
			return tier.Delete(ctx, id)
		})
		if err != nil {
			s.logger.Warn("Failed to invalidate cache entry",
				zap.String("tier", tier.Name()),
				zap.String("location", id),
				zap.Error(err))
		}
	}
}

// deleteCold removes a blob on a detached context, for cleanup after the
// request's own context may already be done
func (s *TieredStore) deleteCold(id string) {
	ctx := context.Background()
	err := s.run(ctx, TierCold, "delete", func(ctx context.Context) error {
		return s.cold.Delete(ctx, id)
	})
	if err != nil {
		s.logger.Warn("Failed to remove cold tier blob", zap.String("location", id), zap.Error(err))
	}
}

// Delete removes loc from every tier. Missing blobs are not an error.
func (s *TieredStore) Delete(ctx context.Context, loc model.Location) error {
	id := loc.ID()
	s.invalidate(ctx, id)
	return s.run(ctx, TierCold, "delete", func(ctx context.Context) error {
		return s.cold.Delete(ctx, id)
	})
}

// Probes returns one availability check per configured tier. Only the cold
// tier is critical.
func (s *TieredStore) Probes() []TierProbe {
	probes := make([]TierProbe, 0, len(s.caches)+1)
	for _, tier := range s.caches {
		tier := tier
		probes = append(probes, TierProbe{
			Name:  "store." + tier.Name(),
			Check: tier.Ping,
		})
	}
	probes = append(probes, TierProbe{
		Name:     "store." + TierCold,
		Critical: true,
		Check:    s.cold.Ping,
	})
	return probes
}

// Stats reports the cache tiers' footprint
func (s *TieredStore) Stats() []TierStats {
	stats := make([]TierStats, 0, len(s.caches))
	for _, tier := range s.caches {
		stats = append(stats, tier.Stats())
	}
	return stats
}

// Close stops promotions and releases every tier
func (s *TieredStore) Close(ctx context.Context) error {
	var firstErr error
	if s.pool != nil {
		if err := s.pool.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	for _, tier := range s.caches {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.cold.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
