package wal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusraft/waldb/hooks"
	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
)

type recordingListener struct {
	seen []hooks.EventType
	err  error
}

func (l *recordingListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	l.seen = append(l.seen, event.Type())
	return l.err
}
func (l *recordingListener) Priority() int { return 0 }
func (l *recordingListener) IsAsync() bool { return false }

func testOptions(t *testing.T) raftlog.Options {
	return raftlog.Options{LogDir: filepath.Join(t.TempDir(), "wal")}
}

func entries(specs ...[2]uint64) []raftlog.Entry {
	out := make([]raftlog.Entry, len(specs))
	for i, s := range specs {
		out[i] = raftlog.Entry{Index: s[0], Term: s[1], Data: []byte("x")}
	}
	return out
}

func TestRecover_EmptyDirectory(t *testing.T) {
	opts := testOptions(t)
	m, mem, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint64(0), m.LastIndex())
	assert.Empty(t, mem.Entries())
}

func TestScenario1_EmptyRecovery(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}, [2]uint64{2, 1}), nil))
	require.NoError(t, m.Sync())
	require.NoError(t, m.Close())

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	got := mem2.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Index)
	assert.Equal(t, uint64(2), got[1].Index)
	assert.Equal(t, uint64(2), m2.LastIndex())
}

func TestScenario2_Rollover(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSizeBytes = 256
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m.Close()

	specs := make([][2]uint64, 20)
	for i := range specs {
		specs[i] = [2]uint64{uint64(i + 1), 1}
	}
	es := entries(specs...)
	for i := range es {
		es[i].Data = make([]byte, 32)
	}
	require.NoError(t, m.Write(es, nil))
	require.NoError(t, m.Close())

	files := m.Files()
	require.GreaterOrEqual(t, len(files), 3)
	assert.Equal(t, "1-1.wal", files[0].FileName)
}

func TestScenario3_TornTailTolerated(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}, [2]uint64{2, 1}), nil))
	require.NoError(t, m.Close())

	files := m.Files()
	require.Len(t, files, 1)
	path := filepath.Join(opts.LogDir, files[0].FileName)
	h, err := fsys.OpenForAppend(path)
	require.NoError(t, err)
	_, err = h.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	got := mem2.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), m2.LastIndex())
}

func TestScenario3b_TornTailTruncatedOnDiskSurvivesSecondRecovery(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}, [2]uint64{2, 1}), nil))
	require.NoError(t, m.Close())

	files := m.Files()
	require.Len(t, files, 1)
	path := filepath.Join(opts.LogDir, files[0].FileName)

	info, err := os.Stat(path)
	require.NoError(t, err)
	cleanSize := info.Size()

	h, err := fsys.OpenForAppend(path)
	require.NoError(t, err)
	_, err = h.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// First recovery tolerates the torn tail and must truncate the file
	// back to its pre-crash size so a later recovery does not see it.
	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	got := mem2.Entries()
	require.Len(t, got, 2)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, cleanSize, info.Size())

	// Simulate a crash immediately after this recovery, before any new
	// write opens a fresh segment: m.current is nil, the segment on disk
	// is exactly as recoverSegment left it.
	require.NoError(t, m2.Close())

	// A second recovery of the same on-disk state must succeed
	// deterministically rather than failing with a non-last-segment
	// corruption error.
	m3, mem3, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m3.Close()

	got3 := mem3.Entries()
	require.Len(t, got3, 2)
	assert.Equal(t, uint64(1), got3[0].Index)
	assert.Equal(t, uint64(2), got3[1].Index)
	assert.Equal(t, uint64(2), m3.LastIndex())
}

func TestScenario3c_ChecksumMismatchAtTailOfLastSegmentTolerated(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}, [2]uint64{2, 1}), nil))
	require.NoError(t, m.Close())

	files := m.Files()
	require.Len(t, files, 1)
	path := filepath.Join(opts.LogDir, files[0].FileName)

	info, err := os.Stat(path)
	require.NoError(t, err)
	originalSize := info.Size()

	// Flip the last byte of the file in place: that byte lives inside the
	// trailing record's CRC32C trailer, so the frame stays full-length but
	// its checksum no longer matches.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	got := mem2.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Index)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), originalSize)
}

func TestScenario3d_OversizedLengthAtTailOfLastSegmentTolerated(t *testing.T) {
	opts := testOptions(t)
	opts.MaxRecordBytes = 64
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	require.NoError(t, m.Close())

	files := m.Files()
	require.Len(t, files, 1)
	path := filepath.Join(opts.LogDir, files[0].FileName)

	info, err := os.Stat(path)
	require.NoError(t, err)
	cleanSize := info.Size()

	// Append a frame header whose length prefix exceeds MaxRecordBytes,
	// as a crash truncating mid-write a record whose header made it to
	// disk but whose body did not would leave behind.
	garbledHeader := []byte{byte(raftlog.EntryTypeLogEntry), 0xFF, 0xFF, 0xFF, 0x7F}
	h, err := fsys.OpenForAppend(path)
	require.NoError(t, err)
	_, err = h.Write(garbledHeader)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	got := mem2.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Index)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, cleanSize, info.Size())
}

func TestScenario4_SuffixTruncationOnRecovery(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}, [2]uint64{2, 1}, [2]uint64{3, 1}), nil))
	require.NoError(t, m.Close())

	m2, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m2.Write(entries([2]uint64{2, 2}, [2]uint64{3, 2}), nil))
	require.NoError(t, m2.Close())

	m3, mem3, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m3.Close()

	got := mem3.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Index, got[1].Index, got[2].Index})
	assert.Equal(t, []uint64{1, 2, 2}, []uint64{got[0].Term, got[1].Term, got[2].Term})
}

func TestScenario6_HardStateOrdering(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	hs := raftlog.HardState{Term: 7, Vote: 2, Commit: 5}
	require.NoError(t, m.Write(entries([2]uint64{10, 7}), &hs))
	require.NoError(t, m.Close())

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, hs, mem2.HardState())
}

func TestWrite_HardStateOnly_PersistsAlone(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	hs := raftlog.HardState{Term: 3, Vote: 1, Commit: 0}
	require.NoError(t, m.Write(nil, &hs))
	require.NoError(t, m.Close())

	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, hs, mem2.HardState())
	assert.Empty(t, mem2.Entries())
}

func TestWrite_EmptyNoHardState_IsNoop(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(nil, nil))
	assert.Empty(t, m.Files())
}

func TestClose_RejectsFurtherWrites(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	err = m.Write(entries([2]uint64{1, 1}), nil)
	assert.ErrorIs(t, err, raftlog.ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestRotate_OnDemandSealsWithoutThreshold(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	assert.Empty(t, m.Files())
	require.NoError(t, m.Rotate())
	assert.Len(t, m.Files(), 1)
	require.NoError(t, m.Rotate()) // idempotent, no current writer
	assert.Len(t, m.Files(), 1)
}

func TestGC_RemovesOnlySegmentsBelowThreshold_Idempotent(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()
	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	require.NoError(t, m.Rotate())
	require.NoError(t, m.Write(entries([2]uint64{2, 1}), nil))
	require.NoError(t, m.Rotate())
	require.Len(t, m.Files(), 2)

	require.NoError(t, m.GC(CompactionHint{MaxLastIndex: 2}))
	assert.Len(t, m.Files(), 1)

	require.NoError(t, m.GC(CompactionHint{MaxLastIndex: 2}))
	assert.Len(t, m.Files(), 1)
}

func TestWrite_FiresPreAndPostAppendHooks(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	hm := hooks.NewHookManager(nil)
	l := &recordingListener{}
	hm.Register(hooks.EventPreWALAppend, l)
	hm.Register(hooks.EventPostWALAppend, l)
	m.SetHooks(hm)

	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	assert.Equal(t, []hooks.EventType{hooks.EventPreWALAppend, hooks.EventPostWALAppend}, l.seen)
}

func TestWrite_PreHookErrorCancelsAppend(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	hm := hooks.NewHookManager(nil)
	l := &recordingListener{err: errors.New("rejected")}
	hm.Register(hooks.EventPreWALAppend, l)
	m.SetHooks(hm)

	err = m.Write(entries([2]uint64{1, 1}), nil)
	assert.Error(t, err)
	assert.Empty(t, m.Files())
	assert.Equal(t, uint64(0), m.LastIndex())
}

func TestRotate_FiresPostRotateHook(t *testing.T) {
	opts := testOptions(t)
	m, _, err := Recover(sys.NewOSFile(), opts)
	require.NoError(t, err)
	defer m.Close()

	hm := hooks.NewHookManager(nil)
	l := &recordingListener{}
	hm.Register(hooks.EventPostWALRotate, l)
	m.SetHooks(hm)

	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	require.NoError(t, m.Rotate())
	assert.Equal(t, []hooks.EventType{hooks.EventPostWALRotate}, l.seen)
}

func TestRecover_FiresPostRecoveryHook(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()
	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	require.NoError(t, m.Write(entries([2]uint64{1, 1}), nil))
	require.NoError(t, m.Close())

	hm := hooks.NewHookManager(nil)
	l := &recordingListener{}
	hm.Register(hooks.EventPostWALRecovery, l)

	m2, _, err := Recover(fsys, opts, hm)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, []hooks.EventType{hooks.EventPostWALRecovery}, l.seen)
}

func TestRecover_ParallelVerifyProducesSameResultAsSequential(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSizeBytes = 128
	fsys := sys.NewOSFile()

	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	specs := make([][2]uint64, 12)
	for i := range specs {
		specs[i] = [2]uint64{uint64(i + 1), 1}
	}
	es := entries(specs...)
	for i := range es {
		es[i].Data = make([]byte, 32)
	}
	require.NoError(t, m.Write(es, nil))
	require.NoError(t, m.Close())

	opts.ParallelVerify = true
	m2, mem2, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m2.Close()

	got := mem2.Entries()
	require.Len(t, got, 12)
	assert.Equal(t, uint64(12), m2.LastIndex())
}

func TestRecover_SecondInstanceRejectedWhileLocked(t *testing.T) {
	opts := testOptions(t)
	fsys := sys.NewOSFile()
	m, _, err := Recover(fsys, opts)
	require.NoError(t, err)
	defer m.Close()

	_, _, err = Recover(fsys, opts)
	assert.Error(t, err)
}
