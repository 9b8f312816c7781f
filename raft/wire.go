package raft

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Entry wire format:
//   term (u64), offset (u64), kind (u8), payload_len (u32), payload_bytes
//
// All integers are little-endian, matching a length-prefixed binary.Write
// framing.

// EncodeEntry appends the wire encoding of e to buf and returns it.
func EncodeEntry(buf []byte, e LogEntry) []byte {
	var hdr [21]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(e.Term))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(e.Offset))
	hdr[16] = byte(e.Kind)
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(len(e.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, e.Payload...)
	return buf
}

// DecodeEntry reads one entry from r.
func DecodeEntry(r io.Reader) (LogEntry, error) {
	var hdr [21]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return LogEntry{}, err
	}
	e := LogEntry{
		Term:   Term(binary.LittleEndian.Uint64(hdr[0:8])),
		Offset: LogOffset(binary.LittleEndian.Uint64(hdr[8:16])),
		Kind:   EntryKind(hdr[16]),
	}
	plen := binary.LittleEndian.Uint32(hdr[17:21])
	if plen > 0 {
		e.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return LogEntry{}, err
		}
	}
	return e, nil
}

// DecodeEntries decodes every entry in buf, requiring the buffer to be
// fully consumed.
func DecodeEntries(buf []byte) ([]LogEntry, error) {
	r := bytes.NewReader(buf)
	var out []LogEntry
	for r.Len() > 0 {
		e, err := DecodeEntry(r)
		if err != nil {
			return nil, errors.Wrap(err, "raft: decode entry")
		}
		out = append(out, e)
	}
	return out, nil
}

// EncodeEntries concatenates the wire encoding of every entry.
func EncodeEntries(entries []LogEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = EncodeEntry(buf, e)
	}
	return buf
}
