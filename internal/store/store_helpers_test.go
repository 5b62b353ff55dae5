package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/metrics"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func newTestWarmTier(t *testing.T, dir string, capacity, compressThreshold int64) *WarmTier {
	t.Helper()
	w, err := NewWarmTier(WarmTierConfig{
		Dir:                         dir,
		CapacityBytes:               capacity,
		CompressThresholdBytes:      compressThreshold,
		DiskCircuitBreakerThreshold: 101,
	}, newTestMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open warm tier: %v", err)
	}
	return w
}
