package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/sio"

	"github.com/devrev/objectstore/internal/errors"
)

// EncryptedBackend encrypts blobs at rest with DARE before handing them to
// the wrapped cold backend
type EncryptedBackend struct {
	ColdBackend
	config sio.Config
}

// NewEncryptedBackend wraps inner with a 32 byte key
func NewEncryptedBackend(inner ColdBackend, key []byte) (*EncryptedBackend, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &EncryptedBackend{
		ColdBackend: inner,
		config:      sio.Config{Key: key},
	}, nil
}

func (b *EncryptedBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	encrypted, err := sio.EncryptReader(r, b.config)
	if err != nil {
		return err
	}
	encryptedSize, err := sio.EncryptedSize(uint64(size))
	if err != nil {
		return err
	}
	return b.ColdBackend.Put(ctx, id, encrypted, int64(encryptedSize))
}

// Get decrypts the stored blob; a blob that fails authentication is reported
// as a DATA_INTEGRITY error
func (b *EncryptedBackend) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := b.ColdBackend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	decrypted, err := sio.DecryptReader(bytes.NewReader(data), b.config)
	if err != nil {
		return nil, errors.DataIntegrity("object content failed decryption", err)
	}
	plain, err := io.ReadAll(decrypted)
	if err != nil {
		return nil, errors.DataIntegrity("object content failed decryption", err).
			WithDetail("location", id)
	}
	return plain, nil
}
