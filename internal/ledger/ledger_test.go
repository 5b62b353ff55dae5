package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
)

// MockBackend is a mock implementation of Backend
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) TryAdd(ctx context.Context, tenantID string, delta, limit int64) (int64, bool, error) {
	args := m.Called(ctx, tenantID, delta, limit)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockBackend) Sub(ctx context.Context, tenantID string, delta int64) (int64, error) {
	args := m.Called(ctx, tenantID, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBackend) Used(ctx context.Context, tenantID string) (int64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBackend) Set(ctx context.Context, tenantID string, used int64) error {
	args := m.Called(ctx, tenantID, used)
	return args.Error(0)
}

func (m *MockBackend) Tenants(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	tenants, _ := args.Get(0).([]string)
	return tenants, args.Error(1)
}

func (m *MockBackend) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBackend) Close() error {
	return nil
}

func newTestLedger(backend Backend, limits Limits) *Ledger {
	return NewLedger(backend, limits, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func TestLedger_ReserveWithinAndBeyondLimit(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 1000})
	ctx := context.Background()

	decision, err := l.Reserve(ctx, "t1", 750)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(750), decision.Used)

	decision, err = l.Reserve(ctx, "t1", 750)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(750), decision.Used)
	assert.Equal(t, int64(1000), decision.Limit)

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), usage.Used)
	assert.InDelta(t, 75.0, usage.Percentage(), 0.001)
	assert.Equal(t, int64(250), usage.Available())
}

func TestLedger_ExactLimitAllowed(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 1000})

	decision, err := l.Reserve(context.Background(), "t1", 1000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLedger_TenantOverridesAndIsolation(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 100, Overrides: map[string]int64{"big": 10000}})
	ctx := context.Background()

	decision, err := l.Reserve(ctx, "big", 5000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = l.Reserve(ctx, "small", 5000)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	usage, err := l.Usage(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
	assert.Equal(t, int64(100), usage.Limit)
}

func TestLedger_NonPositiveDeltaAlwaysAllowed(t *testing.T) {
	backend := &MockBackend{}
	l := newTestLedger(backend, Limits{Default: 0})

	decision, err := l.Reserve(context.Background(), "t1", -20)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	backend.AssertNotCalled(t, "TryAdd", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLedger_ReleaseFloorsAtZero(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 1000})
	ctx := context.Background()

	_, err := l.Reserve(ctx, "t1", 100)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "t1", 300))

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestLedger_FailsClosedWhenBackendUnavailable(t *testing.T) {
	backend := &MockBackend{}
	backend.On("TryAdd", mock.Anything, "t1", int64(10), int64(1000)).
		Return(int64(0), false, fmt.Errorf("connection refused"))

	l := newTestLedger(backend, Limits{Default: 1000})

	decision, err := l.Reserve(context.Background(), "t1", 10)
	require.Error(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, errors.KindLedgerUnavailable, errors.KindOf(err))
	backend.AssertExpectations(t)
}

func TestLedger_UsageBackendErrorIsTransient(t *testing.T) {
	backend := &MockBackend{}
	backend.On("Used", mock.Anything, "t1").Return(int64(0), fmt.Errorf("timeout"))

	l := newTestLedger(backend, Limits{Default: 1000})

	_, err := l.Usage(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, errors.KindTransientBackend, errors.KindOf(err))
}

func TestLedger_ConcurrentReservesNeverExceedLimit(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := l.Reserve(ctx, "t1", 100)
			if err == nil && decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), usage.Used)
}

func TestLedger_Reconcile(t *testing.T) {
	backend := NewMemoryBackend()
	l := newTestLedger(backend, Limits{Default: 1000})
	ctx := context.Background()

	require.NoError(t, l.Reconcile(ctx, map[string]int64{"t1": 400, "t2": 10}))

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), usage.Used)

	decision, err := l.Reserve(ctx, "t1", 700)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestLedger_ReconcileResetsTenantsWithoutObjects(t *testing.T) {
	backend := NewMemoryBackend()
	l := newTestLedger(backend, Limits{Default: 1000})
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "t1", 900))
	require.NoError(t, backend.Set(ctx, "t2", 300))

	require.NoError(t, l.Reconcile(ctx, map[string]int64{"t2": 120}))

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)

	usage, err = l.Usage(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(120), usage.Used)

	decision, err := l.Reserve(ctx, "t1", 1000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLedger_ReconcileBackendErrorIsTransient(t *testing.T) {
	backend := &MockBackend{}
	backend.On("Tenants", mock.Anything).Return(nil, fmt.Errorf("connection refused"))
	l := newTestLedger(backend, Limits{Default: 1000})

	err := l.Reconcile(context.Background(), map[string]int64{"t1": 10})
	require.Error(t, err)
	assert.Equal(t, errors.KindTransientBackend, errors.KindOf(err))
	backend.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
}

func TestLedger_TenantLocksAreReleased(t *testing.T) {
	l := newTestLedger(NewMemoryBackend(), Limits{Default: 1000})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		tenantID := fmt.Sprintf("tenant-%d", i)
		_, err := l.Reserve(ctx, tenantID, 10)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, tenantID, 10))
	}
	assert.Equal(t, 0, l.locks.Len())
}
