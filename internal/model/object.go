package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Object is the metadata the index holds for one tenant object
type Object struct {
	TenantID     string
	Key          string
	Size         int64
	ContentType  string
	ETag         string // hex SHA-256 of the object bytes
	CreatedAt    time.Time
	LastModified time.Time
	Location     Location
}

// Location points at one stored version of an object's bytes.
// Every write gets a fresh Version so a committed index entry never aliases
// bytes that a concurrent or failed write produced.
type Location struct {
	TenantID string
	Key      string
	Version  string
}

// ID returns the blob name used by every tier. It is filesystem and S3 safe.
func (l Location) ID() string {
	h := sha256.New()
	h.Write([]byte(l.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(l.Key))
	return hex.EncodeToString(h.Sum(nil)) + "-" + l.Version
}

// IsZero reports whether the location is unset
func (l Location) IsZero() bool {
	return l.Version == ""
}

// ListResult is one page of a tenant listing
type ListResult struct {
	Objects    []Object
	NextMarker string
	Truncated  bool
}
