package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
)

func newTestLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalBackend_PutGetStatDelete(t *testing.T) {
	b := newTestLocalBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "abcdef-1", strings.NewReader("content"), 7))

	exists, err := b.Stat(ctx, "abcdef-1")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := b.Get(ctx, "abcdef-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)

	require.NoError(t, b.Delete(ctx, "abcdef-1"))
	require.NoError(t, b.Delete(ctx, "abcdef-1"))

	exists, err = b.Stat(ctx, "abcdef-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = b.Get(ctx, "abcdef-1")
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalBackend_ShortWriteLeavesNothing(t *testing.T) {
	b := newTestLocalBackend(t)
	ctx := context.Background()

	err := b.Put(ctx, "abcdef-2", strings.NewReader("abc"), 10)
	require.Error(t, err)

	exists, err := b.Stat(ctx, "abcdef-2")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(filepath.Dir(b.path("abcdef-2")))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalBackend_CancelledWriteNotCommitted(t *testing.T) {
	b := newTestLocalBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Put(ctx, "abcdef-3", strings.NewReader("abc"), 3)
	require.Error(t, err)

	exists, err := b.Stat(context.Background(), "abcdef-3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalBackend_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	_, err = NewLocalBackend(dir, zap.NewNop())
	assert.Error(t, err)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestEncryptedBackend_RoundTripAndTamper(t *testing.T) {
	inner := newTestLocalBackend(t)
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	b, err := NewEncryptedBackend(inner, key)
	require.NoError(t, err)
	ctx := context.Background()

	plain := bytes.Repeat([]byte("secret data "), 100)
	require.NoError(t, b.Put(ctx, "abcdef-4", bytes.NewReader(plain), int64(len(plain))))

	stored, err := inner.Get(ctx, "abcdef-4")
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "secret data")

	data, err := b.Get(ctx, "abcdef-4")
	require.NoError(t, err)
	assert.Equal(t, plain, data)

	stored[len(stored)/2] ^= 0xff
	require.NoError(t, os.WriteFile(inner.path("abcdef-4"), stored, 0o644))

	_, err = b.Get(ctx, "abcdef-4")
	require.Error(t, err)
	assert.Equal(t, errors.KindDataIntegrity, errors.KindOf(err))
}

func TestEncryptedBackend_RejectsShortKey(t *testing.T) {
	_, err := NewEncryptedBackend(newTestLocalBackend(t), []byte("short"))
	assert.Error(t, err)
}
