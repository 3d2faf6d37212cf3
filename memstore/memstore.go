// Package memstore provides the in-memory Raft log store that the WAL
// replays into during recovery and keeps current on every subsequent
// write.
package memstore

import (
	"sync"

	"github.com/nexusraft/waldb/raftlog"
)

// MemoryStorage holds the authoritative in-memory view of the replicated
// log: the ordered entries plus the latest hard state. Every method holds
// mu, so reads are safe alongside concurrent mutation, and
// AppendToMemStore applies its whole rule under a single lock hold.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []raftlog.Entry
	hard    raftlog.HardState
}

// New returns an empty MemoryStorage.
func New() *MemoryStorage {
	return &MemoryStorage{}
}

// Append adds e to the store.
func (m *MemoryStorage) Append(e raftlog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(e)
}

func (m *MemoryStorage) appendLocked(e raftlog.Entry) {
	m.entries = append(m.entries, e)
}

// Entries returns a copy of the currently retained entries, oldest first.
func (m *MemoryStorage) Entries() []raftlog.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]raftlog.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Truncate drops every retained entry whose index is >= idx, implementing
// the suffix-truncation half of the AppendToMemStore rule. Callers hold
// the store's lock implicitly via this method; it is not exported as a
// raw slice mutation to keep the invariant enforced in one place.
func (m *MemoryStorage) Truncate(idx uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncateLocked(idx)
}

func (m *MemoryStorage) truncateLocked(idx uint64) {
	i := len(m.entries)
	for i > 0 && m.entries[i-1].Index >= idx {
		i--
	}
	m.entries = m.entries[:i]
}

// LastTerm returns the term of the last retained entry, or 0 if empty.
func (m *MemoryStorage) LastTerm() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Term
}

// LastIndex returns the index of the last retained entry, or 0 if empty.
func (m *MemoryStorage) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Index
}

// SetHardState overwrites the currently retained hard state. At most one
// hard-state record is kept; later writes supersede earlier ones.
func (m *MemoryStorage) SetHardState(hs raftlog.HardState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hard = hs
}

// HardState returns the currently retained hard state.
func (m *MemoryStorage) HardState() raftlog.HardState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hard
}

// AppendToMemStore applies the Raft log suffix-truncation rule: a new
// entry with a lower term than the last retained entry is a protocol
// violation and rejected outright; otherwise every retained entry at or
// after e.Index is discarded before e is appended, so a later segment's
// entries always win over an earlier segment's at the same index.
func AppendToMemStore(e raftlog.Entry, m *MemoryStorage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) > 0 {
		last := m.entries[len(m.entries)-1]
		if e.Term < last.Term {
			return &raftlog.TermRegressionError{
				NewIndex:  e.Index,
				NewTerm:   e.Term,
				LastIndex: last.Index,
				LastTerm:  last.Term,
			}
		}
	}

	m.truncateLocked(e.Index)
	m.appendLocked(e)
	return nil
}
