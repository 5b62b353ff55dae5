// Package index maps (tenant, key) pairs to object metadata and serves
// lexicographically ordered listings.
package index

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/model"
	"github.com/devrev/objectstore/internal/util/keylock"
)

// MetadataStore persists object metadata. Get and Delete return a NOT_FOUND
// error when the object is absent. List returns up to limit objects whose
// keys start with prefix and sort strictly after `after`, plus whether more
// matching objects exist.
type MetadataStore interface {
	Put(ctx context.Context, obj model.Object) error
	Get(ctx context.Context, tenantID, key string) (model.Object, error)
	Delete(ctx context.Context, tenantID, key string) (model.Object, error)
	List(ctx context.Context, tenantID, prefix, after string, limit int) ([]model.Object, bool, error)
	TenantUsage(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Index fronts a MetadataStore with per-key critical sections.
type Index struct {
	store   MetadataStore
	locks   *keylock.Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewIndex creates an index over store
func NewIndex(store MetadataStore, m *metrics.Metrics, logger *zap.Logger) *Index {
	return &Index{
		store:   store,
		locks:   keylock.New(),
		metrics: m,
		logger:  logger,
	}
}

// LockKey enters the critical section for (tenantID, key). Callers mutating an
// object hold it across the whole read-modify-write so overwrites and deletes
// of one key resolve in completion order.
func (i *Index) LockKey(tenantID, key string) func() {
	return i.locks.Lock(tenantID + "\x00" + key)
}

// Put records meta for (tenantID, key), replacing any previous entry, and
// returns the recorded etag
func (i *Index) Put(ctx context.Context, tenantID, key string, meta model.Object) (string, error) {
	start := time.Now()
	defer func() { i.metrics.RecordIndexOperation("put", time.Since(start)) }()

	meta.TenantID = tenantID
	meta.Key = key
	if meta.LastModified.IsZero() {
		meta.LastModified = time.Now().UTC()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = meta.LastModified
	}

	if err := i.store.Put(ctx, meta); err != nil {
		return "", errors.FromBackend("object index", err)
	}
	return meta.ETag, nil
}

// Get returns the metadata for (tenantID, key)
func (i *Index) Get(ctx context.Context, tenantID, key string) (model.Object, error) {
	start := time.Now()
	defer func() { i.metrics.RecordIndexOperation("get", time.Since(start)) }()

	obj, err := i.store.Get(ctx, tenantID, key)
	if err != nil {
		return model.Object{}, errors.FromBackend("object index", err)
	}
	return obj, nil
}

// Delete removes (tenantID, key) and returns the removed entry, whose Size is
// the bytes to credit back to the tenant
func (i *Index) Delete(ctx context.Context, tenantID, key string) (model.Object, error) {
	start := time.Now()
	defer func() { i.metrics.RecordIndexOperation("delete", time.Since(start)) }()

	obj, err := i.store.Delete(ctx, tenantID, key)
	if err != nil {
		return model.Object{}, errors.FromBackend("object index", err)
	}
	return obj, nil
}

// List returns one page of tenantID's objects in byte order, starting strictly
// after marker
func (i *Index) List(ctx context.Context, tenantID, prefix, marker string, limit int) (model.ListResult, error) {
	start := time.Now()
	defer func() { i.metrics.RecordIndexOperation("list", time.Since(start)) }()

	if limit <= 0 {
		return model.ListResult{}, errors.Validation("limit must be positive")
	}

	// Keys sorting before the prefix can never match; skip them.
	after := marker
	if prefix != "" && after < prefix {
		after = prefixFloor(prefix)
	}

	objects, more, err := i.store.List(ctx, tenantID, prefix, after, limit)
	if err != nil {
		return model.ListResult{}, errors.FromBackend("object index", err)
	}

	result := model.ListResult{Objects: objects, Truncated: more}
	if more && len(objects) > 0 {
		result.NextMarker = objects[len(objects)-1].Key
	}
	return result, nil
}

// TenantUsage sums object sizes per tenant
func (i *Index) TenantUsage(ctx context.Context) (map[string]int64, error) {
	usage, err := i.store.TenantUsage(ctx)
	if err != nil {
		return nil, errors.FromBackend("object index", err)
	}
	return usage, nil
}

// Ping checks the metadata store
func (i *Index) Ping(ctx context.Context) error {
	return i.store.Ping(ctx)
}

// Close releases metadata store resources
func (i *Index) Close() error {
	return i.store.Close()
}

// prefixFloor returns a key that sorts strictly before every key carrying
// prefix, so a strictly-after scan from it starts at the prefix range.
func prefixFloor(prefix string) string {
	return prefix[:len(prefix)-1]
}
