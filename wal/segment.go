package wal

import (
	"bufio"
	"fmt"
	"path/filepath"

	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
)

// segmentWriter owns exactly one open segment file on disk and appends
// framed records to it sequentially.
type segmentWriter struct {
	fsys             sys.File
	file             sys.FileHandle
	bufw             *bufio.Writer
	path             string
	segID            uint64
	segStart         uint64
	bytesWritten     int64
	lastIndexWritten uint64
}

// createSegment creates a new segment file in dir named per segID/segStart,
// writes its header record, and returns a writer positioned to append.
// preallocBytes, if positive, is a hint to reserve that much disk space up
// front; failure to preallocate is never fatal, since not every filesystem
// supports it.
func createSegment(fsys sys.File, dir string, segID, segStart uint64, preallocBytes int64) (*segmentWriter, error) {
	name := raftlog.SegmentFileName(segID, segStart)
	path := filepath.Join(dir, name)

	f, err := fsys.OpenForAppend(path)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment %s: %w", path, err)
	}

	if preallocBytes > 0 {
		_ = sys.Preallocate(f, preallocBytes)
	}

	sw := &segmentWriter{
		fsys:     fsys,
		file:     f,
		bufw:     bufio.NewWriter(f),
		path:     path,
		segID:    segID,
		segStart: segStart,
	}

	header := raftlog.SegmentHeader{
		Magic:    raftlog.SegmentMagic,
		Version:  raftlog.SegmentHeaderVersion,
		SegID:    segID,
		SegStart: segStart,
	}
	frame := raftlog.EncodeRecord(raftlog.EntryTypeSegmentHeader, header.Encode())
	if err := sw.writeFrame(frame); err != nil {
		f.Close()
		return nil, err
	}
	return sw, nil
}

func (sw *segmentWriter) writeFrame(frame []byte) error {
	n, err := sw.bufw.Write(frame)
	sw.bytesWritten += int64(n)
	if err != nil {
		return fmt.Errorf("wal: write to segment %s: %w", sw.path, err)
	}
	return nil
}

// size returns the number of bytes written to this segment so far,
// including buffered-but-unflushed bytes.
func (sw *segmentWriter) size() int64 {
	return sw.bytesWritten
}

func (sw *segmentWriter) sync() error {
	if err := sw.bufw.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment %s: %w", sw.path, err)
	}
	if err := sw.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment %s: %w", sw.path, err)
	}
	return nil
}

// finish flushes, syncs, and closes the segment. After finish the writer
// must not be used again.
func (sw *segmentWriter) finish() (raftlog.SegmentMetaData, error) {
	if err := sw.sync(); err != nil {
		return raftlog.SegmentMetaData{}, err
	}
	if err := sw.file.Close(); err != nil {
		return raftlog.SegmentMetaData{}, fmt.Errorf("wal: close segment %s: %w", sw.path, err)
	}
	meta := raftlog.SegmentMetaData{
		SegID:            sw.segID,
		SegStart:         sw.segStart,
		LastIndexWritten: sw.lastIndexWritten,
		FileName:         filepath.Base(sw.path),
		ByteSize:         sw.bytesWritten,
	}
	return meta, nil
}
