package index

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/model"
)

const btreeDegree = 32

func objectLess(a, b model.Object) bool {
	return a.Key < b.Key
}

// MemoryStore keeps metadata in one ordered B-tree per tenant
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*btree.BTreeG[model.Object]
}

// NewMemoryStore creates an empty in-memory metadata store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*btree.BTreeG[model.Object])}
}

func (s *MemoryStore) Put(ctx context.Context, obj model.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.tenants[obj.TenantID]
	if !ok {
		tree = btree.NewG(btreeDegree, objectLess)
		s.tenants[obj.TenantID] = tree
	}
	tree.ReplaceOrInsert(obj)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) (model.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tree, ok := s.tenants[tenantID]; ok {
		if obj, found := tree.Get(model.Object{Key: key}); found {
			return obj, nil
		}
	}
	return model.Object{}, errors.ObjectNotFound(tenantID, key)
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID, key string) (model.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.tenants[tenantID]
	if !ok {
		return model.Object{}, errors.ObjectNotFound(tenantID, key)
	}
	obj, found := tree.Delete(model.Object{Key: key})
	if !found {
		return model.Object{}, errors.ObjectNotFound(tenantID, key)
	}
	if tree.Len() == 0 {
		delete(s.tenants, tenantID)
	}
	return obj, nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID, prefix, after string, limit int) ([]model.Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.tenants[tenantID]
	if !ok {
		return []model.Object{}, false, nil
	}

	objects := make([]model.Object, 0, min(limit, tree.Len()))
	more := false
	tree.AscendGreaterOrEqual(model.Object{Key: after}, func(obj model.Object) bool {
		if obj.Key == after {
			return true
		}
		if !strings.HasPrefix(obj.Key, prefix) {
			// Sorted order: past the prefix range nothing else can match.
			return obj.Key < prefix
		}
		if len(objects) == limit {
			more = true
			return false
		}
		objects = append(objects, obj)
		return true
	})

	return objects, more, nil
}

func (s *MemoryStore) TenantUsage(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage := make(map[string]int64, len(s.tenants))
	for tenantID, tree := range s.tenants {
		var total int64
		tree.Ascend(func(obj model.Object) bool {
			total += obj.Size
			return true
		})
		usage[tenantID] = total
	}
	return usage, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
