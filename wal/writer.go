package wal

import (
	"fmt"

	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
)

// segmentAllocator hands out the next (seg_id, seg_start) pair for a new
// segment. Resolving the LogWriter -> LogManager back-pointer from the
// source as a small function argument, rather than a retained manager
// reference, per the design note on cyclic ownership.
type segmentAllocator func(segStart uint64) (segID uint64)

// logWriter owns exactly one open segment and appends records to it,
// sealing on rollover. It is not safe for concurrent use.
type logWriter struct {
	seg              *segmentWriter
	rolloverBytes    int64
	maxRecordBytes   int64
	hardStateWritten bool
}

// newLogWriter creates a new segment via alloc, writes its header, and
// returns a writer ready to append. segStart is the Raft index the new
// segment will start at.
func newLogWriter(fsys sys.File, dir string, alloc segmentAllocator, segStart uint64, rolloverBytes, maxRecordBytes int64) (*logWriter, error) {
	segID := alloc(segStart)
	seg, err := createSegment(fsys, dir, segID, segStart, rolloverBytes)
	if err != nil {
		return nil, err
	}
	return &logWriter{
		seg:            seg,
		rolloverBytes:  rolloverBytes,
		maxRecordBytes: maxRecordBytes,
	}, nil
}

// append writes hard (if non-nil and not yet written in this writer's
// lifetime) followed by as many of entries as fit under the rollover
// threshold, starting at entries[0]. It returns the number of entries
// consumed from entries; at least one entry is always written when
// entries is non-empty, guaranteeing forward progress even if a single
// entry alone exceeds the threshold (the threshold bounds preferred
// segment size, not a hard per-entry limit).
func (w *logWriter) append(entries []raftlog.Entry, hard *raftlog.HardState) (int, error) {
	if hard != nil && !w.hardStateWritten {
		payload := raftlog.EncodeHardState(*hard)
		if int64(len(payload)) > w.maxRecordBytes {
			return 0, raftlog.ErrRecordTooLarge
		}
		if err := w.seg.writeFrame(raftlog.EncodeRecord(raftlog.EntryTypeHardState, payload)); err != nil {
			return 0, err
		}
		w.hardStateWritten = true
	}

	consumed := 0
	for i, e := range entries {
		payload := raftlog.EncodeEntry(e)
		if int64(len(payload)) > w.maxRecordBytes {
			return consumed, raftlog.ErrRecordTooLarge
		}
		frame := raftlog.EncodeRecord(raftlog.EntryTypeLogEntry, payload)

		if i > 0 && w.seg.size()+int64(len(frame)) > w.rolloverBytes {
			break
		}
		if err := w.seg.writeFrame(frame); err != nil {
			return consumed, err
		}
		w.seg.lastIndexWritten = e.Index
		consumed++
	}
	if consumed == 0 && len(entries) > 0 {
		return 0, fmt.Errorf("wal: no progress appending to segment %s: single entry exceeds rollover threshold", w.seg.path)
	}
	return consumed, nil
}

func (w *logWriter) sync() error {
	return w.seg.sync()
}

// finish flushes, closes, and seals the segment, returning its metadata.
// After finish the writer is consumed and must not be used again.
func (w *logWriter) finish() (raftlog.SegmentMetaData, error) {
	return w.seg.finish()
}
