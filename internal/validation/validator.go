package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/objectstore/internal/errors"
)

const (
	// Size limits
	MaxKeySize      = 1024 // 1 KB
	MaxTenantIDSize = 256

	DefaultMaxObjectSize = 64 * 1024 * 1024 // 64 MB
	DefaultListLimit     = 1000
	MaxListLimit         = 1000
)

// Validator validates gateway requests before they reach the ledger or store
type Validator struct {
	maxKeySize      int
	maxTenantIDSize int
	maxObjectSize   int64
	maxListLimit    int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:      MaxKeySize,
		maxTenantIDSize: MaxTenantIDSize,
		maxObjectSize:   DefaultMaxObjectSize,
		maxListLimit:    MaxListLimit,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxTenantIDSize int, maxObjectSize int64, maxListLimit int) *Validator {
	return &Validator{
		maxKeySize:      maxKeySize,
		maxTenantIDSize: maxTenantIDSize,
		maxObjectSize:   maxObjectSize,
		maxListLimit:    maxListLimit,
	}
}

// MaxObjectSize returns the configured upper bound for an upload body
func (v *Validator) MaxObjectSize() int64 {
	return v.maxObjectSize
}

// ValidateObjectRef validates the tenant and key pair addressed by a request
func (v *Validator) ValidateObjectRef(tenantID, key string) error {
	if err := v.ValidateTenantID(tenantID); err != nil {
		return err
	}
	return v.ValidateKey(key)
}

// ValidateTenantID validates a tenant ID
func (v *Validator) ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return errors.InvalidTenantID(tenantID, "tenant ID cannot be empty")
	}

	if len(tenantID) > v.maxTenantIDSize {
		return errors.InvalidTenantID(tenantID, fmt.Sprintf("tenant ID exceeds maximum size of %d bytes", v.maxTenantIDSize))
	}

	// ':' separates tenant and key in backend keys
	if strings.Contains(tenantID, ":") {
		return errors.InvalidTenantID(tenantID, "tenant ID cannot contain ':' character")
	}

	for _, r := range tenantID {
		if unicode.IsControl(r) {
			return errors.InvalidTenantID(tenantID, "tenant ID cannot contain control characters")
		}
	}

	return nil
}

// ValidateKey validates an object key: 1-1024 bytes of valid UTF-8
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	if !utf8.ValidString(key) {
		return errors.InvalidKey(key, "key must be valid UTF-8")
	}

	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}

	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	return nil
}

// ValidatePrefix validates an optional listing prefix
func (v *Validator) ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > v.maxKeySize {
		return errors.Validation(fmt.Sprintf("prefix exceeds maximum size of %d bytes", v.maxKeySize))
	}
	if !utf8.ValidString(prefix) {
		return errors.Validation("prefix must be valid UTF-8")
	}
	return nil
}

// ValidateObjectSize checks a received body length
func (v *Validator) ValidateObjectSize(size int64) error {
	if size <= 0 {
		return errors.MissingBody()
	}
	if size > v.maxObjectSize {
		return errors.ObjectTooLarge(v.maxObjectSize)
	}
	return nil
}

// NormalizeListLimit applies the default and rejects out of range limits
func (v *Validator) NormalizeListLimit(limit int) (int, error) {
	if limit == 0 {
		return min(DefaultListLimit, v.maxListLimit), nil
	}
	if limit < 0 {
		return 0, errors.Validation("limit must be positive")
	}
	if limit > v.maxListLimit {
		return v.maxListLimit, nil
	}
	return limit, nil
}
