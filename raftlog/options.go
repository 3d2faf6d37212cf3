package raftlog

import (
	"expvar"
	"log/slog"
)

// Options configures a Log Manager. LogDir is the only required field; all
// others default per §6 of the specification this package implements.
type Options struct {
	// LogDir is the directory holding segment files. Required.
	LogDir string

	// SegmentSizeBytes is the rollover threshold. Defaults to
	// DefaultSegmentSizeBytes when zero.
	SegmentSizeBytes int64

	// VerifyChecksum controls whether recovery re-validates every record's
	// CRC32C. When false, the checksum is still read but not checked,
	// trading safety for faster recovery. Defaults to true.
	VerifyChecksum bool
	// verifyChecksumSet distinguishes "false" from "unset" since the zero
	// value of bool is false but the spec's default is true.
	verifyChecksumSet bool

	// MaxRecordBytes is the hard cap on any single record's payload.
	// Defaults to DefaultMaxRecordBytes when zero.
	MaxRecordBytes int64

	// ParallelVerify enables pipelined read-ahead of the next sealed
	// segment's bytes while the current one is being applied during
	// recovery. Application order to the memory store is unaffected.
	ParallelVerify bool

	Logger         *slog.Logger
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	// LastTerm, if set, is kept current with the term of the most recently
	// retained log entry, after every write and after recovery.
	LastTerm *expvar.Int
}

// SetVerifyChecksum is the only way to explicitly request VerifyChecksum=false;
// leaving the field untouched keeps the spec's true default.
func (o *Options) SetVerifyChecksum(v bool) {
	o.VerifyChecksum = v
	o.verifyChecksumSet = true
}

// WithDefaults returns a copy of o with every zero-valued field replaced
// by its specification default.
func (o *Options) WithDefaults() Options {
	out := *o
	if out.SegmentSizeBytes == 0 {
		out.SegmentSizeBytes = DefaultSegmentSizeBytes
	}
	if out.MaxRecordBytes == 0 {
		out.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if !out.verifyChecksumSet {
		out.VerifyChecksum = true
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
