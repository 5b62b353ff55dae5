// Package diskmanager watches free space on a data directory and refuses
// writes once the volume crosses its circuit-breaker threshold.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
)

// DiskManager monitors disk space for one directory
type DiskManager struct {
	dataDir string
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu                   sync.RWMutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	checkInterval        time.Duration

	warningThreshold        float64
	circuitBreakerThreshold float64

	isCircuitBroken bool

	// statfs is swapped in tests
	statfs func(path string) (total, available uint64, err error)
}

// Config holds configuration for disk manager
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *Config, m *metrics.Metrics, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		metrics:                 m,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		statfs:                  statfs,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a TRANSIENT_BACKEND error if a write of
// estimatedBytes should be refused
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.isCircuitBroken {
		return errors.TransientBackend("warm tier disk",
			fmt.Errorf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent)).
			WithDetail("usage_percent", dm.cachedUsagePercent)
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.TransientBackend("warm tier disk",
			fmt.Errorf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes))
	}

	return nil
}

func (dm *DiskManager) refreshIfStale() {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.checkInterval
	dm.mu.RUnlock()

	if stale {
		if err := dm.ForceCheck(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.String("dir", dm.dataDir), zap.Error(err))
		}
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	total, available, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}

	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(total-available) / float64(total) * 100.0
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available
	dm.lastCheck = time.Now()

	previouslyBroken := dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold

	if dm.metrics != nil {
		dm.metrics.SetDiskUsage(dm.dataDir, usagePercent)
	}

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usagePercent))
	case usagePercent >= dm.warningThreshold && !dm.isCircuitBroken:
		dm.logger.Warn("Disk usage warning",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// Usage returns current disk usage statistics
func (dm *DiskManager) Usage() UsageStats {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return UsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// UsageStats contains disk usage statistics
type UsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}
