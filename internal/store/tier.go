// Package store holds object bytes in a chain of tiers: an in-memory hot
// cache, a local-disk warm cache and a durable cold tier that is the only
// authority on whether a blob exists.
package store

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/devrev/objectstore/internal/util"
)

// Tier names used in metrics, logs and health probes
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// CacheTier is a bounded, evicting tier in front of the cold tier. A miss is
// reported with ok=false and a nil error.
type CacheTier interface {
	Name() string
	Get(ctx context.Context, id string) (data []byte, ok bool, err error)
	Put(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Stats() TierStats
	Close() error
}

// ColdBackend durably stores opaque blobs. Get returns a NOT_FOUND error for
// missing blobs; Delete of a missing blob succeeds.
type ColdBackend interface {
	Put(ctx context.Context, id string, r io.Reader, size int64) error
	Get(ctx context.Context, id string) ([]byte, error)
	Stat(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// TierStats reports a tier's footprint
type TierStats struct {
	Tier          string `json:"tier"`
	Entries       int    `json:"entries"`
	SizeBytes     int64  `json:"size_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

// framingReader passes its source through while hashing it, then emits the
// CRC32 footer once the source is drained.
type framingReader struct {
	src    io.Reader
	crc    hash.Hash32
	sha    hash.Hash
	n      int64
	done   bool
	footer []byte
}

func newFramingReader(src io.Reader) *framingReader {
	return &framingReader{
		src: src,
		crc: util.NewChecksum(),
		sha: sha256.New(),
	}
}

func (f *framingReader) Read(p []byte) (int, error) {
	if !f.done {
		n, err := f.src.Read(p)
		if n > 0 {
			f.crc.Write(p[:n])
			f.sha.Write(p[:n])
			f.n += int64(n)
		}
		if err != io.EOF {
			return n, err
		}
		f.done = true
		f.footer = util.ChecksumFooter(f.crc.Sum32())
		if n > 0 {
			return n, nil
		}
	}

	if len(f.footer) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.footer)
	f.footer = f.footer[n:]
	return n, nil
}

// Sum returns the SHA-256 digest of the payload read so far
func (f *framingReader) Sum() []byte {
	return f.sha.Sum(nil)
}
