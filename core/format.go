package core

import (
	"fmt"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and file naming used by the archive.

// --- Magic Numbers ---
const (
	// SegmentMagicNumber identifies an archive segment file.
	SegmentMagicNumber uint32 = 0x5241584E // "NXAR"
	// BatchFrameMagic opens every batch frame inside a segment.
	BatchFrameMagic uint32 = 0x48435442 // "BTCH"
	// CommitMarker is written after a batch frame once the frame bytes are in place.
	// A frame without it was torn by a crash and is never visible to readers.
	CommitMarker uint32 = 0x54494D43 // "CMIT"
	// TimeIndexMagicNumber identifies a time index sidecar file.
	TimeIndexMagicNumber uint32 = 0x58444954 // "TIDX"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the newest segment/index format this build reads and writes.
	FormatVersion uint8 = 1
)

// --- Limits ---
const (
	// MaxBatchPayload bounds the uncompressed payload of one batch. Every
	// codec must decode batches up to this size.
	MaxBatchPayload = 256 * 1024 * 1024
)

// --- File Names & Suffixes ---
const (
	// SegmentFileSuffix is the conventional suffix for segment files.
	SegmentFileSuffix = ".nxa"
	// IndexFileSuffix is appended to a segment path to name its time index sidecar.
	IndexFileSuffix = ".idx"
	// LockFileSuffix is appended to a segment path to name its writer lock.
	LockFileSuffix = ".lock"
)

// IndexPath returns the time index sidecar path for a segment.
func IndexPath(segmentPath string) string {
	return segmentPath + IndexFileSuffix
}

// LockPath returns the writer lock path for a segment.
func LockPath(segmentPath string) string {
	return segmentPath + LockFileSuffix
}

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// SegmentName strips the directory and the segment suffix from a path.
func SegmentName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return strings.TrimSuffix(path, SegmentFileSuffix)
}
