package util

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
)

// Checksum utilities for blob integrity.
// Blobs at rest are framed as [payload][crc32 little-endian (4 bytes)].

// ChecksumSize is the length of the CRC32 footer
const ChecksumSize = 4

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// NewChecksum returns a streaming CRC32 hasher using the same table
func NewChecksum() hash.Hash32 {
	return crc32.New(crc32Table)
}

// ChecksumFooter encodes sum as the trailing footer bytes
func ChecksumFooter(sum uint32) []byte {
	footer := make([]byte, ChecksumSize)
	binary.LittleEndian.PutUint32(footer, sum)
	return footer
}

// AppendChecksum returns data followed by its footer
func AppendChecksum(data []byte) []byte {
	result := make([]byte, 0, len(data)+ChecksumSize)
	result = append(result, data...)
	return append(result, ChecksumFooter(ComputeChecksum(data))...)
}

// ValidateAndStripChecksum splits a framed blob into its payload and verifies
// the footer. expected and actual are returned for error reporting.
func ValidateAndStripChecksum(framed []byte) (data []byte, expected, actual uint32, ok bool) {
	if len(framed) < ChecksumSize {
		return nil, 0, 0, false
	}

	n := len(framed) - ChecksumSize
	data = framed[:n]
	expected = binary.LittleEndian.Uint32(framed[n:])
	actual = ComputeChecksum(data)
	return data, expected, actual, expected == actual
}
