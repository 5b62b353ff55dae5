package handler

import (
	"time"

	"github.com/devrev/objectstore/internal/model"
	"github.com/devrev/objectstore/internal/service"
)

// UploadResponse is the body of a successful PUT /upload
type UploadResponse struct {
	Status    string    `json:"status"`
	Key       string    `json:"key"`
	ETag      string    `json:"etag"`
	Size      int64     `json:"size"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DeleteResponse is the body of a successful DELETE /delete
type DeleteResponse struct {
	Status    string    `json:"status"`
	Key       string    `json:"key"`
	TenantID  string    `json:"tenant_id"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// ObjectInfo is one entry of a listing
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// ListResponse is the body of GET /list
type ListResponse struct {
	TenantID   string       `json:"tenant_id"`
	Objects    []ObjectInfo `json:"objects"`
	Count      int          `json:"count"`
	NextMarker string       `json:"next_marker,omitempty"`
	Truncated  bool         `json:"truncated"`
	Timestamp  time.Time    `json:"timestamp"`
}

// QuotaResponse is the body of GET /quota
type QuotaResponse struct {
	TenantID   string    `json:"tenant_id"`
	Used       int64     `json:"used"`
	Limit      int64     `json:"limit"`
	Available  int64     `json:"available"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

func toUploadResponse(resp *service.UploadResponse) UploadResponse {
	return UploadResponse{
		Status:    "uploaded",
		Key:       resp.Key,
		ETag:      resp.ETag,
		Size:      resp.Size,
		TenantID:  resp.TenantID,
		Timestamp: resp.Timestamp,
	}
}

func toDeleteResponse(resp *service.DeleteResponse) DeleteResponse {
	return DeleteResponse{
		Status:    "deleted",
		Key:       resp.Key,
		TenantID:  resp.TenantID,
		Size:      resp.Size,
		Timestamp: resp.Timestamp,
	}
}

func toListResponse(resp *service.ListResponse) ListResponse {
	objects := make([]ObjectInfo, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
			CreatedAt:    obj.CreatedAt,
			LastModified: obj.LastModified,
		})
	}
	return ListResponse{
		TenantID:   resp.TenantID,
		Objects:    objects,
		Count:      len(objects),
		NextMarker: resp.NextMarker,
		Truncated:  resp.Truncated,
		Timestamp:  time.Now().UTC(),
	}
}

func toQuotaResponse(usage model.TenantUsage) QuotaResponse {
	return QuotaResponse{
		TenantID:   usage.TenantID,
		Used:       usage.Used,
		Limit:      usage.Limit,
		Available:  usage.Available(),
		Percentage: usage.Percentage(),
		Timestamp:  time.Now().UTC(),
	}
}
