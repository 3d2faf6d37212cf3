package wal

import "github.com/nexusraft/waldb/raftlog"

// Interface is the consumer-facing contract a Raft driver sees: write,
// sync, rotate, close, and gc. LogManager implements it; callers that
// need a test double depend on this instead of the concrete type.
type Interface interface {
	Write(entries []raftlog.Entry, hard *raftlog.HardState) error
	Sync() error
	Rotate() error
	Close() error
	GC(hint CompactionHint) error
	Files() []raftlog.SegmentMetaData
	LastIndex() uint64
}

var _ Interface = (*LogManager)(nil)
