package store

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/store/diskmanager"
	"github.com/devrev/objectstore/internal/util"
)

// Warm entries are framed as [flag][payload][crc32], the checksum covering
// flag and payload.
const (
	warmFlagRaw  byte = 0
	warmFlagZstd byte = 1

	warmLockFile  = ".lock"
	warmTempMatch = ".tmp"
)

// WarmTierConfig configures a WarmTier
type WarmTierConfig struct {
	Dir                         string
	CapacityBytes               int64
	CompressThresholdBytes      int64
	DiskWarningThreshold        float64
	DiskCircuitBreakerThreshold float64
}

// WarmTier is a local directory cache with LRU eviction by on-disk bytes.
// Its recency order is rebuilt from file modification times on start.
type WarmTier struct {
	dir               string
	capacity          int64
	compressThreshold int64

	lock    *flock.Flock
	disk    *diskmanager.DiskManager
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.Mutex
	lru  *simplelru.LRU
	size int64
}

type warmFile struct {
	id      string
	size    int64
	modTime time.Time
}

// NewWarmTier opens dir, takes its directory lock and indexes existing entries
func NewWarmTier(cfg WarmTierConfig, m *metrics.Metrics, logger *zap.Logger) (*WarmTier, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create warm tier directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Dir, warmLockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock warm tier directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("warm tier directory %s is in use by another process", cfg.Dir)
	}

	diskCfg := diskmanager.DefaultConfig(cfg.Dir)
	if cfg.DiskWarningThreshold > 0 {
		diskCfg.WarningThreshold = cfg.DiskWarningThreshold
	}
	if cfg.DiskCircuitBreakerThreshold > 0 {
		diskCfg.CircuitBreakerThreshold = cfg.DiskCircuitBreakerThreshold
	}
	disk, err := diskmanager.NewDiskManager(diskCfg, m, logger)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	w := &WarmTier{
		dir:               cfg.Dir,
		capacity:          cfg.CapacityBytes,
		compressThreshold: cfg.CompressThresholdBytes,
		lock:              lock,
		disk:              disk,
		encoder:           encoder,
		decoder:           decoder,
		metrics:           m,
		logger:            logger,
	}

	lru, err := simplelru.NewLRU(math.MaxInt32, w.onEvict)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.lru = lru

	if err := w.rebuild(); err != nil {
		w.Close()
		return nil, err
	}

	return w, nil
}

// rebuild indexes files already on disk, oldest first, and drops leftovers
// of interrupted writes
func (w *WarmTier) rebuild() error {
	var files []warmFile

	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == warmLockFile {
			return nil
		}
		if strings.HasSuffix(d.Name(), warmTempMatch) {
			os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, warmFile{id: d.Name(), size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan warm tier directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range files {
		w.lru.Add(f.id, f.size)
		w.size += f.size
	}
	evicted := w.evictLocked(0)

	w.logger.Info("Warm tier loaded",
		zap.String("dir", w.dir),
		zap.Int("entries", w.lru.Len()),
		zap.Int64("size_bytes", w.size),
		zap.Int("evicted", evicted))
	w.metrics.SetTierUsage(TierWarm, w.size, w.lru.Len())
	return nil
}

func (w *WarmTier) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(w.dir, id)
	}
	return filepath.Join(w.dir, id[:2], id)
}

// onEvict runs under w.mu whenever an entry leaves the LRU
func (w *WarmTier) onEvict(key interface{}, value interface{}) {
	w.size -= value.(int64)
	if err := os.Remove(w.path(key.(string))); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove warm tier file", zap.Any("id", key), zap.Error(err))
	}
}

// evictLocked removes oldest entries until incoming more bytes fit
func (w *WarmTier) evictLocked(incoming int64) int {
	evicted := 0
	for w.size+incoming > w.capacity {
		if _, _, ok := w.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
		w.metrics.RecordEviction(TierWarm)
	}
	return evicted
}

func (w *WarmTier) Name() string { return TierWarm }

// Get returns the cached payload for id. Entries that fail their checksum or
// cannot be decompressed are removed and reported as a miss.
func (w *WarmTier) Get(ctx context.Context, id string) ([]byte, bool, error) {
	w.mu.Lock()
	_, ok := w.lru.Get(id)
	w.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	framed, err := os.ReadFile(w.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			w.forget(id)
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	data, err := w.decode(framed)
	if err != nil {
		w.logger.Warn("Dropping corrupt warm tier entry", zap.String("id", id), zap.Error(err))
		w.Delete(ctx, id)
		return nil, false, nil
	}

	now := time.Now()
	os.Chtimes(w.path(id), now, now)
	return data, true, nil
}

func (w *WarmTier) decode(framed []byte) ([]byte, error) {
	body, expected, actual, ok := util.ValidateAndStripChecksum(framed)
	if !ok {
		return nil, fmt.Errorf("checksum mismatch: expected %d, got %d", expected, actual)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("entry has no header")
	}

	switch body[0] {
	case warmFlagRaw:
		return body[1:], nil
	case warmFlagZstd:
		return w.decoder.DecodeAll(body[1:], nil)
	default:
		return nil, fmt.Errorf("unknown entry flag %d", body[0])
	}
}

func (w *WarmTier) encode(data []byte) []byte {
	if w.compressThreshold > 0 && int64(len(data)) >= w.compressThreshold {
		compressed := w.encoder.EncodeAll(data, []byte{warmFlagZstd})
		if len(compressed) < len(data)+1 {
			return util.AppendChecksum(compressed)
		}
	}

	body := make([]byte, 0, len(data)+1)
	body = append(body, warmFlagRaw)
	body = append(body, data...)
	return util.AppendChecksum(body)
}

// Put writes data under id through a temp file and rename. Writes are refused
// while the disk manager reports the volume as full.
func (w *WarmTier) Put(ctx context.Context, id string, data []byte) error {
	framed := w.encode(data)
	entrySize := int64(len(framed))
	if entrySize > w.capacity {
		return nil
	}

	if err := w.disk.CheckBeforeWrite(uint64(entrySize)); err != nil {
		return err
	}

	final := w.path(id)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), id+".*"+warmTempMatch)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmpName)
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop any previous entry before the rename so its eviction cannot remove
	// the new file.
	w.lru.Remove(id)
	w.evictLocked(entrySize)

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return err
	}

	w.lru.Add(id, entrySize)
	w.size += entrySize
	w.metrics.SetTierUsage(TierWarm, w.size, w.lru.Len())
	return nil
}

func (w *WarmTier) Delete(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.lru.Remove(id) {
		if err := os.Remove(w.path(id)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	w.metrics.SetTierUsage(TierWarm, w.size, w.lru.Len())
	return nil
}

// forget drops id from the LRU when its file vanished underneath us
func (w *WarmTier) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lru.Remove(id)
}

// Ping verifies the directory is still writable
func (w *WarmTier) Ping(context.Context) error {
	probe, err := os.CreateTemp(w.dir, "probe-*"+warmTempMatch)
	if err != nil {
		return fmt.Errorf("warm tier directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (w *WarmTier) Stats() TierStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return TierStats{
		Tier:          TierWarm,
		Entries:       w.lru.Len(),
		SizeBytes:     w.size,
		CapacityBytes: w.capacity,
	}
}

// Close releases the directory lock. Cached files stay on disk for the next
// start.
func (w *WarmTier) Close() error {
	if w.encoder != nil {
		w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}
	return w.lock.Unlock()
}
