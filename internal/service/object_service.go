// Package service orchestrates the quota ledger, object index and content
// store for each gateway operation.
package service

import (
	"bytes"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/model"
	"github.com/devrev/objectstore/internal/store"
	"github.com/devrev/objectstore/internal/validation"
)

// DefaultContentType is used when an upload does not declare one
const DefaultContentType = "application/octet-stream"

// maxDownloadAttempts bounds re-reads when overwrites keep replacing the
// version a download resolved
const maxDownloadAttempts = 5

// ObjectIndex is the metadata side of the service
type ObjectIndex interface {
	LockKey(tenantID, key string) func()
	Put(ctx context.Context, tenantID, key string, meta model.Object) (string, error)
	Get(ctx context.Context, tenantID, key string) (model.Object, error)
	Delete(ctx context.Context, tenantID, key string) (model.Object, error)
	List(ctx context.Context, tenantID, prefix, marker string, limit int) (model.ListResult, error)
}

// QuotaLedger accounts tenant bytes
type QuotaLedger interface {
	Reserve(ctx context.Context, tenantID string, delta int64) (model.QuotaDecision, error)
	Release(ctx context.Context, tenantID string, delta int64) error
	Usage(ctx context.Context, tenantID string) (model.TenantUsage, error)
}

// ContentStore holds object bytes
type ContentStore interface {
	Write(ctx context.Context, tenantID, key string, r io.Reader, size int64) (store.WriteResult, error)
	Read(ctx context.Context, loc model.Location) ([]byte, error)
	Delete(ctx context.Context, loc model.Location) error
}

// UploadRequest carries a fully received upload body
type UploadRequest struct {
	TenantID    string
	Key         string
	ContentType string
	Body        []byte
}

// UploadResponse describes a committed upload
type UploadResponse struct {
	TenantID  string
	Key       string
	ETag      string
	Size      int64
	Timestamp time.Time
}

// DownloadResponse is an object's metadata and bytes
type DownloadResponse struct {
	Object model.Object
	Data   []byte
}

// DeleteResponse describes a completed delete
type DeleteResponse struct {
	TenantID  string
	Key       string
	Size      int64
	Timestamp time.Time
}

// ListResponse is one page of a listing
type ListResponse struct {
	TenantID   string
	Objects    []model.Object
	NextMarker string
	Truncated  bool
}

// ObjectService implements upload, download, delete, list and quota
type ObjectService struct {
	index     ObjectIndex
	ledger    QuotaLedger
	store     ContentStore
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewObjectService creates a new object service
func NewObjectService(
	index ObjectIndex,
	ledger QuotaLedger,
	contentStore ContentStore,
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ObjectService {
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &ObjectService{
		index:     index,
		ledger:    ledger,
		store:     contentStore,
		validator: validator,
		metrics:   m,
		logger:    logger,
	}
}

// Upload stores req.Body under (tenant, key), replacing any existing object.
// Quota is reserved for the size increase before any bytes reach the store,
// and the index is only updated after the durable write succeeds.
func (s *ObjectService) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	startTime := time.Now()
	size := int64(len(req.Body))

	if err := s.validator.ValidateObjectRef(req.TenantID, req.Key); err != nil {
		s.logger.Warn("Upload validation failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("key", req.Key),
			zap.Error(err))
		return nil, err
	}
	if err := s.validator.ValidateObjectSize(size); err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	unlock := s.index.LockKey(req.TenantID, req.Key)
	defer unlock()

	previous, exists, err := s.lookup(ctx, req.TenantID, req.Key)
	if err != nil {
		return nil, err
	}

	delta := size
	if exists {
		delta = size - previous.Size
	}

	var reserved int64
	if delta > 0 {
		decision, err := s.ledger.Reserve(ctx, req.TenantID, delta)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, errors.QuotaExceeded(req.TenantID, decision.Used, decision.Limit, delta)
		}
		reserved = delta
	}

	written, err := s.store.Write(ctx, req.TenantID, req.Key, bytes.NewReader(req.Body), size)
	if err != nil {
		s.logger.Error("Failed to write object content",
			zap.String("tenant_id", req.TenantID),
			zap.String("key", req.Key),
			zap.Error(err))
		s.release(ctx, req.TenantID, reserved)
		return nil, err
	}

	meta := model.Object{
		Size:        size,
		ContentType: contentType,
		ETag:        written.ETag,
		Location:    written.Location,
	}
	if exists {
		meta.CreatedAt = previous.CreatedAt
	}

	etag, err := s.index.Put(ctx, req.TenantID, req.Key, meta)
	if err != nil {
		s.logger.Error("Failed to commit object metadata",
			zap.String("tenant_id", req.TenantID),
			zap.String("key", req.Key),
			zap.Error(err))
		s.discard(ctx, written.Location)
		s.release(ctx, req.TenantID, reserved)
		return nil, err
	}

	if delta < 0 {
		s.release(ctx, req.TenantID, -delta)
	}
	if exists {
		s.discard(ctx, previous.Location)
	}

	s.metrics.AddUploadedBytes(size)
	s.logger.Info("Object uploaded",
		zap.String("tenant_id", req.TenantID),
		zap.String("key", req.Key),
		zap.Int64("size", size),
		zap.Bool("overwrite", exists),
		zap.Duration("latency", time.Since(startTime)))

	return &UploadResponse{
		TenantID:  req.TenantID,
		Key:       req.Key,
		ETag:      etag,
		Size:      size,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Download returns an object's bytes. An overwrite that commits between the
// index read and the content read removes the version being read, so a
// missing blob is retried against the current index entry. Content that is
// still missing for an unchanged entry is reported as not found.
func (s *ObjectService) Download(ctx context.Context, tenantID, key string) (*DownloadResponse, error) {
	if err := s.validator.ValidateObjectRef(tenantID, key); err != nil {
		return nil, err
	}

	obj, err := s.index.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		data, err := s.store.Read(ctx, obj.Location)
		if err == nil {
			return &DownloadResponse{Object: obj, Data: data}, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}

		current, err := s.index.Get(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		if current.Location == obj.Location || attempt+1 >= maxDownloadAttempts {
			s.logger.Warn("Indexed object has no durable content",
				zap.String("tenant_id", tenantID),
				zap.String("key", key),
				zap.String("location", obj.Location.ID()))
			return nil, errors.ObjectNotFound(tenantID, key)
		}
		obj = current
	}
}

// Delete removes (tenant, key) and credits its size back to the tenant.
// Content removal is best-effort once the index entry is gone.
func (s *ObjectService) Delete(ctx context.Context, tenantID, key string) (*DeleteResponse, error) {
	if err := s.validator.ValidateObjectRef(tenantID, key); err != nil {
		return nil, err
	}

	unlock := s.index.LockKey(tenantID, key)
	defer unlock()

	obj, err := s.index.Delete(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}

	s.release(ctx, tenantID, obj.Size)
	s.discard(ctx, obj.Location)

	s.logger.Info("Object deleted",
		zap.String("tenant_id", tenantID),
		zap.String("key", key),
		zap.Int64("size", obj.Size))

	return &DeleteResponse{
		TenantID:  tenantID,
		Key:       key,
		Size:      obj.Size,
		Timestamp: time.Now().UTC(),
	}, nil
}

// List returns one page of tenantID's objects in key order. A zero limit
// selects the default page size.
func (s *ObjectService) List(ctx context.Context, tenantID, prefix, marker string, limit int) (*ListResponse, error) {
	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	limit, err := s.validator.NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}

	page, err := s.index.List(ctx, tenantID, prefix, marker, limit)
	if err != nil {
		return nil, err
	}

	return &ListResponse{
		TenantID:   tenantID,
		Objects:    page.Objects,
		NextMarker: page.NextMarker,
		Truncated:  page.Truncated,
	}, nil
}

// MaxObjectSize is the largest upload body the service accepts
func (s *ObjectService) MaxObjectSize() int64 {
	return s.validator.MaxObjectSize()
}

// Quota reports tenantID's usage against its limit
func (s *ObjectService) Quota(ctx context.Context, tenantID string) (model.TenantUsage, error) {
	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		return model.TenantUsage{}, err
	}
	return s.ledger.Usage(ctx, tenantID)
}

// lookup returns the current object for (tenantID, key), if any
func (s *ObjectService) lookup(ctx context.Context, tenantID, key string) (model.Object, bool, error) {
	obj, err := s.index.Get(ctx, tenantID, key)
	if err == nil {
		return obj, true, nil
	}
	if errors.IsNotFound(err) {
		return model.Object{}, false, nil
	}
	return model.Object{}, false, err
}

// release credits delta bytes back. A failure leaves usage overstated until
// the next reconciliation, so it is logged rather than returned.
func (s *ObjectService) release(ctx context.Context, tenantID string, delta int64) {
	if delta <= 0 {
		return
	}
	if err := s.ledger.Release(context.WithoutCancel(ctx), tenantID, delta); err != nil {
		s.logger.Error("Failed to release quota",
			zap.String("tenant_id", tenantID),
			zap.Int64("delta", delta),
			zap.Error(err))
	}
}

// discard removes content no index entry points at any more
func (s *ObjectService) discard(ctx context.Context, loc model.Location) {
	if loc.IsZero() {
		return
	}
	if err := s.store.Delete(context.WithoutCancel(ctx), loc); err != nil {
		s.logger.Warn("Failed to remove unreferenced object content",
			zap.String("tenant_id", loc.TenantID),
			zap.String("key", loc.Key),
			zap.String("location", loc.ID()),
			zap.Error(err))
	}
}
