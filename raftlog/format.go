package raftlog

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
)

// This file centralizes the on-disk format constants for the WAL: magic
// numbers, version, file naming, and default size limits.

const (
	// SegmentMagic identifies a WAL segment file (the ASCII bytes "WAL_" read
	// as a big-endian u32; like every header field it is stored little-endian).
	SegmentMagic uint32 = 0x57414C5F
	// SegmentHeaderVersion is the current segment header format version.
	SegmentHeaderVersion uint16 = 1

	// DefaultSegmentSizeBytes is the rollover threshold used when
	// Options.SegmentSizeBytes is left at zero.
	DefaultSegmentSizeBytes int64 = 64 * 1024 * 1024
	// DefaultMaxRecordBytes is the hard cap on a single record's payload
	// used when Options.MaxRecordBytes is left at zero.
	DefaultMaxRecordBytes int64 = 64 * 1024 * 1024

	segmentFileSuffix = ".wal"
)

// segmentNamePattern is the strict grammar for segment file names: decimal
// digits only, no zero-padding, exactly "{seg_id}-{seg_start}.wal". Anything
// else in the log directory is ignored during recovery.
var segmentNamePattern = regexp.MustCompile(`^(\d+)-(\d+)\.wal$`)

// SegmentFileName builds the canonical file name for a segment.
func SegmentFileName(segID, segStart uint64) string {
	return fmt.Sprintf("%d-%d%s", segID, segStart, segmentFileSuffix)
}

// ParseSegmentFileName extracts (seg_id, seg_start) from a file name,
// rejecting anything that doesn't fully match the grammar.
func ParseSegmentFileName(name string) (segID, segStart uint64, ok bool) {
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	for _, digits := range m[1:] {
		if len(digits) > 1 && digits[0] == '0' {
			return 0, 0, false
		}
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	start, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return id, start, true
}

// SegmentMetaData is the in-memory descriptor a Log Manager keeps for
// every sealed (or actively-written) segment.
type SegmentMetaData struct {
	SegID          uint64
	SegStart       uint64
	LastIndexWritten uint64
	FileName       string
	ByteSize       int64
}

// SegmentHeader is the payload of the first record of every segment file.
type SegmentHeader struct {
	Magic    uint32
	Version  uint16
	SegID    uint64
	SegStart uint64
}

// Encode serializes the header payload, little-endian, fixed width.
func (h SegmentHeader) Encode() []byte {
	buf := make([]byte, 4+2+8+8)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint64(buf[6:14], h.SegID)
	binary.LittleEndian.PutUint64(buf[14:22], h.SegStart)
	return buf
}

// DecodeSegmentHeader parses a header payload written by Encode.
func DecodeSegmentHeader(payload []byte) (SegmentHeader, error) {
	if len(payload) != 22 {
		return SegmentHeader{}, fmt.Errorf("raftlog: segment header payload has wrong size %d", len(payload))
	}
	h := SegmentHeader{
		Magic:    binary.LittleEndian.Uint32(payload[0:4]),
		Version:  binary.LittleEndian.Uint16(payload[4:6]),
		SegID:    binary.LittleEndian.Uint64(payload[6:14]),
		SegStart: binary.LittleEndian.Uint64(payload[14:22]),
	}
	if h.Magic != SegmentMagic || h.Version != SegmentHeaderVersion {
		return SegmentHeader{}, ErrCorruptSegmentHeader
	}
	return h, nil
}
