// Package hash provides checksum helpers for on-disk records.
//
// All record checksums use CRC32-Castagnoli (CRC32C), which Go's crc32
// package accelerates in hardware where available.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streams:
//
//	h := hash.NewCRC32C()
//	_, _ = io.Copy(h, r)
//	checksum := h.Sum32()
package hash
