package raftlog

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation attempted on a closed Log Manager.
var ErrClosed = errors.New("raftlog: log manager is closed")

// ErrRecordTooLarge is returned when a single record's payload exceeds the
// configured MaxRecordBytes.
var ErrRecordTooLarge = errors.New("raftlog: record payload exceeds max_record_bytes")

// ErrEOF signals a clean record boundary was reached with no more bytes to
// read; it is not an error condition for the caller.
var ErrEOF = errors.New("raftlog: clean end of segment")

// ErrUnknownType is returned when a frame's type byte does not match any
// known EntryType.
var ErrUnknownType = errors.New("raftlog: unknown record type")

// ErrCorruptSegmentHeader is returned when a segment's header magic or
// version does not match what this implementation expects.
var ErrCorruptSegmentHeader = errors.New("raftlog: corrupt segment header")

// TornTailError reports a partial frame at the tail of the last segment,
// the expected shape of a crash mid-write. Recovery swallows this only for
// the last segment; anywhere else it is fatal.
type TornTailError struct {
	Segment       string
	BytesRemaining int
}

func (e *TornTailError) Error() string {
	return fmt.Sprintf("raftlog: torn tail in segment %s (%d trailing bytes)", e.Segment, e.BytesRemaining)
}

// CorruptRecordError reports a checksum mismatch or malformed frame that is
// not explainable by a torn tail. ChecksumMismatch distinguishes the CRC32C
// case (a full-length frame with bad content, indistinguishable from a torn
// write that got all its bytes flushed but not its checksum) from a
// structurally invalid payload behind a passing checksum, which is never
// torn-tail-tolerable.
type CorruptRecordError struct {
	Segment          string
	Offset           int64
	Reason           string
	ChecksumMismatch bool
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("raftlog: corrupt record in segment %s at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

// TermRegressionError reports a Raft protocol violation: a new entry with a
// term lower than the last entry currently retained in the memory store.
type TermRegressionError struct {
	NewIndex, NewTerm   uint64
	LastIndex, LastTerm uint64
}

func (e *TermRegressionError) Error() string {
	return fmt.Sprintf(
		"raftlog: new entry [index:%d term:%d] has lower term than last retained entry [index:%d term:%d]",
		e.NewIndex, e.NewTerm, e.LastIndex, e.LastTerm,
	)
}

// IsTornTail reports whether err (or any error it wraps) is a TornTailError.
func IsTornTail(err error) bool {
	var e *TornTailError
	return errors.As(err, &e)
}

// IsCorruptRecord reports whether err (or any error it wraps) is a CorruptRecordError.
func IsCorruptRecord(err error) bool {
	var e *CorruptRecordError
	return errors.As(err, &e)
}

// IsChecksumMismatch reports whether err (or any error it wraps) is a
// CorruptRecordError specifically from a CRC32C mismatch, as opposed to a
// structurally invalid payload behind a passing checksum.
func IsChecksumMismatch(err error) bool {
	var e *CorruptRecordError
	return errors.As(err, &e) && e.ChecksumMismatch
}

// IsRecoverableTornTail reports whether err represents a condition that
// crash recovery may swallow when it occurs on the last segment found on
// disk: a partial frame cut short mid-write (TornTailError), a checksum
// mismatch on an otherwise full-length frame, or a length prefix exceeding
// the configured maximum. All three are indistinguishable, on the last
// segment, from a write interrupted mid-frame; recovery discards everything
// from that point onward rather than treating the replica as unrecoverable.
// A structurally invalid payload behind a passing checksum is not included:
// that is real corruption, not a torn write, and stays fatal.
func IsRecoverableTornTail(err error) bool {
	return IsTornTail(err) || IsChecksumMismatch(err) || errors.Is(err, ErrRecordTooLarge)
}

// IsTermRegression reports whether err (or any error it wraps) is a TermRegressionError.
func IsTermRegression(err error) bool {
	var e *TermRegressionError
	return errors.As(err, &e)
}
