package raftlog

import (
	"encoding/binary"
	"fmt"
)

// EncodeEntry serializes e as a record payload: index(8) | term(8) |
// data_len(4) | data, all little-endian.
func EncodeEntry(e Entry) []byte {
	buf := make([]byte, 8+8+4+len(e.Data))
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(e.Data)))
	copy(buf[20:], e.Data)
	return buf
}

// DecodeEntry parses a payload written by EncodeEntry.
func DecodeEntry(payload []byte) (Entry, error) {
	if len(payload) < 20 {
		return Entry{}, fmt.Errorf("raftlog: entry payload too short (%d bytes)", len(payload))
	}
	dataLen := binary.LittleEndian.Uint32(payload[16:20])
	if int(dataLen) != len(payload)-20 {
		return Entry{}, fmt.Errorf("raftlog: entry payload data_len mismatch: header says %d, have %d", dataLen, len(payload)-20)
	}
	e := Entry{
		Index: binary.LittleEndian.Uint64(payload[0:8]),
		Term:  binary.LittleEndian.Uint64(payload[8:16]),
	}
	if dataLen > 0 {
		e.Data = append([]byte(nil), payload[20:]...)
	}
	return e, nil
}

// EncodeHardState serializes hs as a record payload: term(8) | vote(8) |
// commit(8), little-endian.
func EncodeHardState(hs HardState) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], hs.Term)
	binary.LittleEndian.PutUint64(buf[8:16], hs.Vote)
	binary.LittleEndian.PutUint64(buf[16:24], hs.Commit)
	return buf
}

// DecodeHardState parses a payload written by EncodeHardState.
func DecodeHardState(payload []byte) (HardState, error) {
	if len(payload) != 24 {
		return HardState{}, fmt.Errorf("raftlog: hard state payload has wrong size %d", len(payload))
	}
	return HardState{
		Term:   binary.LittleEndian.Uint64(payload[0:8]),
		Vote:   binary.LittleEndian.Uint64(payload[8:16]),
		Commit: binary.LittleEndian.Uint64(payload[16:24]),
	}, nil
}
