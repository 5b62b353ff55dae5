package store

import (
	"context"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/metrics"
)

// HotTier is an in-memory LRU bounded by total payload bytes
type HotTier struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	capacity int64
	size     int64
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHotTier creates a hot tier holding at most capacityBytes
func NewHotTier(capacityBytes int64, m *metrics.Metrics, logger *zap.Logger) (*HotTier, error) {
	h := &HotTier{
		capacity: capacityBytes,
		metrics:  m,
		logger:   logger,
	}

	// Entry count is unbounded; capacity is enforced in bytes by Put.
	lru, err := simplelru.NewLRU(math.MaxInt32, func(_ interface{}, value interface{}) {
		h.size -= int64(len(value.([]byte)))
	})
	if err != nil {
		return nil, err
	}
	h.lru = lru
	return h, nil
}

func (h *HotTier) Name() string { return TierHot }

func (h *HotTier) Get(_ context.Context, id string) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, ok := h.lru.Get(id)
	if !ok {
		return nil, false, nil
	}
	return value.([]byte), true, nil
}

// Put caches data under id, evicting least recently used entries until it
// fits. Entries larger than the whole tier are not cached.
func (h *HotTier) Put(_ context.Context, id string, data []byte) error {
	entrySize := int64(len(data))
	if entrySize > h.capacity {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lru.Remove(id)

	for h.size+entrySize > h.capacity {
		key, _, ok := h.lru.RemoveOldest()
		if !ok {
			break
		}
		h.metrics.RecordEviction(TierHot)
		h.logger.Debug("Evicted hot tier entry", zap.Any("id", key))
	}

	h.lru.Add(id, data)
	h.size += entrySize
	h.metrics.SetTierUsage(TierHot, h.size, h.lru.Len())
	return nil
}

func (h *HotTier) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lru.Remove(id)
	h.metrics.SetTierUsage(TierHot, h.size, h.lru.Len())
	return nil
}

func (h *HotTier) Ping(context.Context) error { return nil }

func (h *HotTier) Stats() TierStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return TierStats{
		Tier:          TierHot,
		Entries:       h.lru.Len(),
		SizeBytes:     h.size,
		CapacityBytes: h.capacity,
	}
}

func (h *HotTier) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lru.Purge()
	return nil
}
