package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHotTier_PutGet(t *testing.T) {
	h, err := NewHotTier(1024, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, "a", []byte("hello")))

	data, ok, err := h.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	_, ok, err = h.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHotTier_EvictsLeastRecentlyUsedByBytes(t *testing.T) {
	h, err := NewHotTier(100, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, "a", bytes.Repeat([]byte("a"), 40)))
	require.NoError(t, h.Put(ctx, "b", bytes.Repeat([]byte("b"), 40)))

	// Touch a so b becomes the eviction candidate.
	_, ok, _ := h.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, h.Put(ctx, "c", bytes.Repeat([]byte("c"), 40)))

	_, ok, _ = h.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = h.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = h.Get(ctx, "c")
	assert.True(t, ok)

	stats := h.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(80), stats.SizeBytes)
}

func TestHotTier_OversizedEntryNotCached(t *testing.T) {
	h, err := NewHotTier(10, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, "small", []byte("12345")))
	require.NoError(t, h.Put(ctx, "big", bytes.Repeat([]byte("x"), 11)))

	_, ok, _ := h.Get(ctx, "big")
	assert.False(t, ok)
	_, ok, _ = h.Get(ctx, "small")
	assert.True(t, ok)
}

func TestHotTier_ReplaceAndDeleteTrackSize(t *testing.T) {
	h, err := NewHotTier(100, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, "a", make([]byte, 30)))
	require.NoError(t, h.Put(ctx, "a", make([]byte, 50)))
	assert.Equal(t, int64(50), h.Stats().SizeBytes)

	require.NoError(t, h.Delete(ctx, "a"))
	assert.Equal(t, int64(0), h.Stats().SizeBytes)
	assert.Equal(t, 0, h.Stats().Entries)
}
