// Package wal implements the durable Write-Ahead Log: segment lifecycle,
// the framed on-disk record format, and crash recovery into an in-memory
// Raft log store.
package wal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexusraft/waldb/hooks"
	"github.com/nexusraft/waldb/memstore"
	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
)

// CompactionHint tells GC which segments are eligible for removal: every
// sealed segment whose LastIndexWritten is strictly below MaxLastIndex may
// be unlinked. The policy of choosing MaxLastIndex (e.g. from a Raft
// snapshot index) is delegated to the caller.
type CompactionHint struct {
	MaxLastIndex uint64
}

// LogManager is the durable directory of segments: the entry point for
// recovery, write, sync, close, and gc. Every exported method takes mu, so
// calls from several goroutines are serialized one at a time.
type LogManager struct {
	mu sync.Mutex

	fsys sys.File
	dir  string
	opts raftlog.Options
	mem  *memstore.MemoryStorage

	current   *logWriter
	nextSegID uint64
	lastIndex uint64
	empty     bool
	closed    bool

	files []raftlog.SegmentMetaData

	unlock func() error
	hooks  hooks.HookManager
}

// SetHooks attaches a hook manager so Write/Rotate/GC/Recover fire the
// corresponding WAL events. Passing nil disables hook firing; this is the
// default until SetHooks is called.
func (m *LogManager) SetHooks(hm hooks.HookManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hm
}

// Recover opens dir (creating it if missing), replays every segment found
// into a fresh in-memory store, and returns a LogManager ready to accept
// writes. It acquires an exclusive process-level lock on dir for the
// lifetime of the returned manager, enforcing the single-owner contract at
// the process boundary; Close releases it. hm is optional: passing one
// fires EventPostWALRecovery (and every subsequent WAL event) through it.
func Recover(fsys sys.File, opts raftlog.Options, hm ...hooks.HookManager) (*LogManager, *memstore.MemoryStorage, error) {
	o := opts.WithDefaults()
	if o.LogDir == "" {
		return nil, nil, errors.New("wal: LogDir is required")
	}
	if err := fsys.CreateDirIfMissing(o.LogDir); err != nil {
		return nil, nil, fmt.Errorf("wal: create log dir %s: %w", o.LogDir, err)
	}

	unlock, err := sys.AcquireFileLock(filepath.Join(o.LogDir, "manager"), 0, 50*time.Millisecond, sys.DefaultLockStaleTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: acquire exclusive lock on %s: %w", o.LogDir, err)
	}

	m := &LogManager{
		fsys:      fsys,
		dir:       o.LogDir,
		opts:      o,
		mem:       memstore.New(),
		empty:     true,
		nextSegID: 1,
		unlock:    unlock,
	}
	if len(hm) > 0 {
		m.hooks = hm[0]
	}

	recoverStart := time.Now()
	if err := m.recoverLocked(); err != nil {
		unlock()
		return nil, nil, err
	}

	if m.hooks != nil {
		m.hooks.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			SegmentsReplayed: len(m.files),
			EntriesReplayed:  len(m.mem.Entries()),
			LastIndex:        m.lastIndex,
			Duration:         time.Since(recoverStart),
		}))
	}
	return m, m.mem, nil
}

type segmentRef struct {
	segID, segStart uint64
	name            string
}

func (m *LogManager) recoverLocked() error {
	names, err := m.fsys.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("wal: list %s: %w", m.dir, err)
	}

	var segs []segmentRef
	for _, name := range names {
		id, start, ok := raftlog.ParseSegmentFileName(name)
		if !ok {
			continue
		}
		segs = append(segs, segmentRef{segID: id, segStart: start, name: name})
	}
	if len(segs) == 0 {
		m.opts.Logger.Warn("wal: recovering with no segments", "dir", m.dir)
		return nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].segID < segs[j].segID })

	m.empty = false
	m.opts.Logger.Info("wal: recovering",
		"dir", m.dir, "segments", len(segs),
		"first", segs[0].name, "last", segs[len(segs)-1].name)

	var eg errgroup.Group
	for i, sr := range segs {
		isLast := i == len(segs)-1

		// Pipelined read-ahead: while this segment's records are applied
		// to the memstore sequentially below, a bounded worker may already
		// be reading and checksum-verifying the next segment's bytes into
		// the OS page cache. Application order is unaffected; this only
		// warms the read that recoverSegment will do next.
		if m.opts.ParallelVerify && i+1 < len(segs) {
			next := segs[i+1]
			eg.Go(func() error {
				m.verifySegmentAhead(next)
				return nil
			})
		}

		if err := m.recoverSegment(sr, isLast); err != nil {
			eg.Wait()
			return err
		}
		if sr.segID >= m.nextSegID {
			m.nextSegID = sr.segID + 1
		}
	}
	eg.Wait()
	if m.opts.LastTerm != nil {
		m.opts.LastTerm.Set(int64(m.mem.LastTerm()))
	}
	return nil
}

// verifySegmentAhead opens and drains sr read-only, discarding every
// decoded record. It exists purely to warm the page cache; any error it
// finds, checksum failures included, is discarded here and is reported only
// by the authoritative read that recoverSegment does later.
func (m *LogManager) verifySegmentAhead(sr segmentRef) {
	path := filepath.Join(m.dir, sr.name)
	r, err := openReadableSegment(m.fsys, path, m.opts.MaxRecordBytes, m.opts.VerifyChecksum)
	if err != nil {
		return
	}
	defer r.close()
	_ = drainSegment(r, func(raftlog.Entry) error { return nil }, func(raftlog.HardState) error { return nil })
}

func (m *LogManager) recoverSegment(sr segmentRef, isLast bool) error {
	path := filepath.Join(m.dir, sr.name)
	r, err := openReadableSegment(m.fsys, path, m.opts.MaxRecordBytes, m.opts.VerifyChecksum)
	if err != nil {
		return fmt.Errorf("wal: recover segment %s: %w", sr.name, err)
	}
	defer r.close()

	meta := raftlog.SegmentMetaData{SegID: sr.segID, SegStart: sr.segStart, FileName: sr.name}
	err = drainSegment(r, func(e raftlog.Entry) error {
		if aerr := memstore.AppendToMemStore(e, m.mem); aerr != nil {
			return aerr
		}
		m.lastIndex = e.Index
		meta.LastIndexWritten = e.Index
		return nil
	}, func(hs raftlog.HardState) error {
		m.mem.SetHardState(hs)
		return nil
	})

	torn := false
	if err != nil {
		if isLast && raftlog.IsRecoverableTornTail(err) {
			m.opts.Logger.Warn("wal: torn tail tolerated on last segment",
				"segment", sr.name, "good_bytes", r.offset, "error", err)
			torn = true
			err = nil
		} else {
			return fmt.Errorf("wal: replay segment %s: %w", sr.name, err)
		}
	}

	if torn {
		// The bytes past r.offset are whatever a crash left mid-frame: a
		// partial header/body, a frame with a bad checksum, or a garbled
		// length prefix. None of it decoded, so none of it belongs on disk;
		// leaving it in place would make this segment look non-last (and
		// therefore fatally corrupt) on the next recovery.
		if terr := m.truncateTornSegment(sr.name, r.offset); terr != nil {
			return fmt.Errorf("wal: truncate torn tail of segment %s: %w", sr.name, terr)
		}
		meta.ByteSize = r.offset
	} else if info, serr := r.file.Stat(); serr == nil {
		meta.ByteSize = info.Size()
	}
	m.files = append(m.files, meta)
	return nil
}

// truncateTornSegment discards every byte past goodBytes in the segment
// file name. The handle recoverSegment reads through is opened read-only,
// so this reopens the file for append (read-write) to call Truncate.
func (m *LogManager) truncateTornSegment(name string, goodBytes int64) error {
	path := filepath.Join(m.dir, name)
	f, err := m.fsys.OpenForAppend(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(goodBytes)
}

// allocSegID returns the next monotonically increasing segment id.
func (m *LogManager) allocSegID(uint64) uint64 {
	id := m.nextSegID
	m.nextSegID++
	return id
}

// Write persists hard (if non-nil) and entries, rolling over to new
// segments as needed. Empty entries with a nil hard state is a no-op.
// Per this implementation's redesign of the source's behavior, empty
// entries with a non-nil hard state persists the hard state alone instead
// of silently doing nothing.
func (m *LogManager) Write(entries []raftlog.Entry, hard *raftlog.HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return raftlog.ErrClosed
	}

	if m.hooks != nil {
		preEntries := entries
		prePayload := hooks.WALAppendPayload{Entries: &preEntries, Hard: hard}
		if err := m.hooks.Trigger(context.Background(), hooks.NewPreWALAppendEvent(prePayload)); err != nil {
			return fmt.Errorf("wal: pre-append hook: %w", err)
		}
		entries = preEntries
	}

	err := m.writeLocked(entries, hard)

	if m.hooks != nil {
		m.hooks.Trigger(context.Background(), hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{
			Entries: entries, Hard: hard, Error: err,
		}))
	}
	return err
}

func (m *LogManager) writeLocked(entries []raftlog.Entry, hard *raftlog.HardState) error {
	if len(entries) == 0 {
		if hard == nil {
			return nil
		}
		return m.writeHardStateOnly(*hard)
	}

	if m.empty {
		m.lastIndex = entries[0].Index - 1
		m.empty = false
	}

	batchHard := hard
	remaining := entries
	for len(remaining) > 0 {
		if m.current == nil {
			w, err := newLogWriter(m.fsys, m.dir, m.allocSegID, remaining[0].Index, m.opts.SegmentSizeBytes, m.opts.MaxRecordBytes)
			if err != nil {
				return err
			}
			m.current = w
		}

		n, err := m.current.append(remaining, hard)
		if err != nil {
			return err
		}
		hard = nil // consumed by the first writer only, per the batch's hard-state ordering invariant
		remaining = remaining[n:]

		if len(remaining) > 0 {
			if err := m.sealCurrentLocked(); err != nil {
				return err
			}
		}
	}

	if batchHard != nil {
		m.mem.SetHardState(*batchHard)
	}
	for _, e := range entries {
		if err := memstore.AppendToMemStore(e, m.mem); err != nil {
			return err
		}
	}

	m.lastIndex = entries[len(entries)-1].Index
	if m.opts.EntriesWritten != nil {
		m.opts.EntriesWritten.Add(int64(len(entries)))
	}
	if m.opts.LastTerm != nil {
		m.opts.LastTerm.Set(int64(m.mem.LastTerm()))
	}
	return nil
}

// writeHardStateOnly persists hs as a standalone record in the current
// segment, opening one if none is active. If the manager is still empty,
// the segment is opened with seg_start = m.lastIndex+1 (1, absent any
// prior write), which is only descriptive; a subsequent entry write can
// still set the log's true starting index via the m.empty branch in
// writeLocked without needing this segment reopened.
func (m *LogManager) writeHardStateOnly(hs raftlog.HardState) error {
	if m.current == nil {
		w, err := newLogWriter(m.fsys, m.dir, m.allocSegID, m.lastIndex+1, m.opts.SegmentSizeBytes, m.opts.MaxRecordBytes)
		if err != nil {
			return err
		}
		m.current = w
	}
	if _, err := m.current.append(nil, &hs); err != nil {
		return err
	}
	m.mem.SetHardState(hs)
	return nil
}

func (m *LogManager) sealCurrentLocked() error {
	meta, err := m.current.finish()
	if err != nil {
		return err
	}
	m.files = append(m.files, meta)
	m.current = nil

	if m.hooks != nil {
		m.hooks.Trigger(context.Background(), hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
			SealedSegment: meta,
			NextSegStart:  meta.LastIndexWritten + 1,
		}))
	}
	return nil
}

// Sync forwards to the current writer's sync; a no-op if no writer is
// open. The manager never implicitly syncs on Write — the caller decides
// the batching/durability trade.
func (m *LogManager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return raftlog.ErrClosed
	}
	if m.current == nil {
		return nil
	}
	if err := m.current.sync(); err != nil {
		return err
	}
	if m.opts.BytesWritten != nil {
		m.opts.BytesWritten.Set(m.current.seg.size())
	}
	return nil
}

// Rotate forces the current segment to seal immediately, without waiting
// for the rollover threshold. A no-op if no writer is open. Idempotent.
func (m *LogManager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return raftlog.ErrClosed
	}
	if m.current == nil {
		return nil
	}
	return m.sealCurrentLocked()
}

// Close seals the current writer, if any, releases the directory lock,
// and rejects any further operation with ErrClosed. Idempotent.
func (m *LogManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var err error
	if m.current != nil {
		err = m.sealCurrentLocked()
	}
	m.closed = true
	if uerr := m.unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// GC unlinks every sealed segment whose LastIndexWritten is strictly below
// hint.MaxLastIndex and drops its metadata. It never rewrites the head
// (most recent) segment — only whole-segment deletion is supported, no
// partial-segment compaction. Calling GC with nothing eligible is a no-op.
func (m *LogManager) GC(hint CompactionHint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return raftlog.ErrClosed
	}

	kept := m.files[:0:0]
	var removed []raftlog.SegmentMetaData
	for _, f := range m.files {
		if f.LastIndexWritten < hint.MaxLastIndex {
			path := filepath.Join(m.dir, f.FileName)
			if err := m.fsys.Remove(path); err != nil {
				return fmt.Errorf("wal: gc remove %s: %w", f.FileName, err)
			}
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	m.files = kept

	if m.hooks != nil && len(removed) > 0 {
		m.hooks.Trigger(context.Background(), hooks.NewPostWALGCEvent(hooks.PostWALGCPayload{
			Removed: removed,
			Hint:    hint.MaxLastIndex,
		}))
	}
	return nil
}

// Files returns a copy of the currently tracked sealed-segment metadata,
// oldest first.
func (m *LogManager) Files() []raftlog.SegmentMetaData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]raftlog.SegmentMetaData, len(m.files))
	copy(out, m.files)
	return out
}

// LastIndex returns the index of the last entry recovered or written, or 0
// if there is none. Written entries count whether or not Sync has run.
func (m *LogManager) LastIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndex
}
