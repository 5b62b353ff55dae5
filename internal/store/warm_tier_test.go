package store

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/metrics"
)

func TestWarmTier_RoundTripRawAndCompressed(t *testing.T) {
	w := newTestWarmTier(t, t.TempDir(), 1<<20, 64)
	defer w.Close()
	ctx := context.Background()

	small := []byte("tiny")
	large := bytes.Repeat([]byte("compressible "), 200)

	require.NoError(t, w.Put(ctx, "small-id", small))
	require.NoError(t, w.Put(ctx, "large-id", large))

	data, ok, err := w.Get(ctx, "small-id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, small, data)

	data, ok, err = w.Get(ctx, "large-id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, data)

	info, err := os.Stat(w.path("large-id"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(large)))
}

func TestWarmTier_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w := newTestWarmTier(t, dir, 1<<20, 0)
	require.NoError(t, w.Put(ctx, "persisted", []byte("still here")))
	require.NoError(t, w.Close())

	reopened := newTestWarmTier(t, dir, 1<<20, 0)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Stats().Entries)
	data, ok, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("still here"), data)
}

func TestWarmTier_CorruptEntryIsMiss(t *testing.T) {
	w := newTestWarmTier(t, t.TempDir(), 1<<20, 0)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Put(ctx, "victim", []byte("payload bytes")))

	path := w.path("victim")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[2] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, ok, err := w.Get(ctx, "victim")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, w.Stats().Entries)
}

func TestWarmTier_EvictionRemovesFiles(t *testing.T) {
	w := newTestWarmTier(t, t.TempDir(), 100, 0)
	defer w.Close()
	ctx := context.Background()

	// Each entry occupies 40 + 1 flag + 4 checksum bytes.
	require.NoError(t, w.Put(ctx, "first", bytes.Repeat([]byte("1"), 40)))
	require.NoError(t, w.Put(ctx, "second", bytes.Repeat([]byte("2"), 40)))
	require.NoError(t, w.Put(ctx, "third", bytes.Repeat([]byte("3"), 40)))

	_, ok, err := w.Get(ctx, "first")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(w.path("first"))
	assert.True(t, os.IsNotExist(err))

	stats := w.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(90), stats.SizeBytes)
}

func TestWarmTier_RestartEnforcesSmallerCapacity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w := newTestWarmTier(t, dir, 1<<20, 0)
	require.NoError(t, w.Put(ctx, "aa-one", make([]byte, 40)))
	require.NoError(t, w.Put(ctx, "bb-two", make([]byte, 40)))
	require.NoError(t, w.Close())

	reopened := newTestWarmTier(t, dir, 50, 0)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Stats().Entries)
}

func TestWarmTier_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	w := newTestWarmTier(t, dir, 1<<20, 0)
	defer w.Close()

	_, err := NewWarmTier(WarmTierConfig{Dir: dir, CapacityBytes: 1 << 20},
		metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	assert.Error(t, err)
}

func TestWarmTier_DeleteAndPing(t *testing.T) {
	w := newTestWarmTier(t, t.TempDir(), 1<<20, 0)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Put(ctx, "gone", []byte("x")))
	require.NoError(t, w.Delete(ctx, "gone"))
	require.NoError(t, w.Delete(ctx, "never-existed"))

	_, ok, err := w.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, w.Ping(ctx))
}
