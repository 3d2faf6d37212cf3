package wal

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
)

// frameOverheadBytes is the fixed per-record overhead (type + length +
// crc32c) added around every payload on disk.
const frameOverheadBytes = 1 + 4 + 4

// readableSegment is a cursor over the records of one segment file. It
// validates the segment header on open and exposes records one at a time
// via next, tracking the byte offset of each record for error reporting.
type readableSegment struct {
	file           sys.FileHandle
	bufr           *bufio.Reader
	path           string
	header         raftlog.SegmentHeader
	maxRecordBytes int64
	verifyChecksum bool
	offset         int64
	eof            bool
}

// openReadableSegment opens path, reads and validates its header, and
// returns a cursor ready to yield the segment's entry/hard-state records.
func openReadableSegment(fsys sys.File, path string, maxRecordBytes int64, verifyChecksum bool) (*readableSegment, error) {
	f, err := fsys.OpenForRead(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}

	r := &readableSegment{
		file:           f,
		bufr:           bufio.NewReader(f),
		path:           path,
		maxRecordBytes: maxRecordBytes,
		verifyChecksum: verifyChecksum,
	}

	t, payload, err := raftlog.DecodeRecord(r.bufr, filepath.Base(path), r.offset, maxRecordBytes, verifyChecksum)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: read header of segment %s: %w", path, err)
	}
	if t != raftlog.EntryTypeSegmentHeader {
		f.Close()
		return nil, fmt.Errorf("wal: segment %s: first record is not a header (type %s)", path, t)
	}
	header, err := raftlog.DecodeSegmentHeader(payload)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: segment %s: %w", path, err)
	}
	r.header = header
	r.offset = int64(len(payload)) + frameOverheadBytes

	return r, nil
}

// next returns the next record's type and payload, raftlog.ErrEOF at a
// clean boundary, or a TornTailError/CorruptRecordError otherwise. Once
// ErrEOF or any error is returned, isEOF reports true.
func (r *readableSegment) next() (raftlog.EntryType, []byte, error) {
	if r.eof {
		return 0, nil, raftlog.ErrEOF
	}
	t, payload, err := raftlog.DecodeRecord(r.bufr, filepath.Base(r.path), r.offset, r.maxRecordBytes, r.verifyChecksum)
	if err != nil {
		r.eof = true
		return 0, nil, err
	}
	r.offset += int64(len(payload)) + frameOverheadBytes
	return t, payload, nil
}

func (r *readableSegment) isEOF() bool {
	return r.eof
}

func (r *readableSegment) close() error {
	return r.file.Close()
}

// drainSegment streams every record after the header, invoking onEntry for
// each Entry and onHardState for each HardState. A torn tail is returned
// to the caller, not swallowed here; the manager decides whether the
// segment is the last one found during recovery and may tolerate it.
func drainSegment(r *readableSegment, onEntry func(raftlog.Entry) error, onHardState func(raftlog.HardState) error) error {
	for {
		t, payload, err := r.next()
		if err != nil {
			if errors.Is(err, raftlog.ErrEOF) {
				return nil
			}
			return err
		}
		switch t {
		case raftlog.EntryTypeLogEntry:
			e, derr := raftlog.DecodeEntry(payload)
			if derr != nil {
				return &raftlog.CorruptRecordError{Segment: filepath.Base(r.path), Offset: r.offset, Reason: derr.Error()}
			}
			if err := onEntry(e); err != nil {
				return err
			}
		case raftlog.EntryTypeHardState:
			hs, derr := raftlog.DecodeHardState(payload)
			if derr != nil {
				return &raftlog.CorruptRecordError{Segment: filepath.Base(r.path), Offset: r.offset, Reason: derr.Error()}
			}
			if err := onHardState(hs); err != nil {
				return err
			}
		default:
			return raftlog.ErrUnknownType
		}
	}
}
