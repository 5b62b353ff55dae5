package ledger

import (
	"context"
	"sync"
)

// MemoryBackend keeps usage counters in process memory
type MemoryBackend struct {
	mu    sync.Mutex
	usage map[string]int64
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{usage: make(map[string]int64)}
}

func (b *MemoryBackend) TryAdd(ctx context.Context, tenantID string, delta, limit int64) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := b.usage[tenantID]
	if used+delta > limit {
		return used, false, nil
	}
	used += delta
	b.usage[tenantID] = used
	return used, true, nil
}

func (b *MemoryBackend) Sub(ctx context.Context, tenantID string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := b.usage[tenantID] - delta
	if used < 0 {
		used = 0
	}
	b.usage[tenantID] = used
	return used, nil
}

func (b *MemoryBackend) Used(ctx context.Context, tenantID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage[tenantID], nil
}

func (b *MemoryBackend) Set(ctx context.Context, tenantID string, used int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage[tenantID] = used
	return nil
}

func (b *MemoryBackend) Tenants(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tenants := make([]string, 0, len(b.usage))
	for tenantID := range b.usage {
		tenants = append(tenants, tenantID)
	}
	return tenants, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
