package raft

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// votedForFileName is the one-file-per-group durable vote record.
const votedForFileName = "voted_for"

// votedForHeaderSize is the fixed on-disk header layout:
// term (u64 LE), reserved (8 bytes), voted_for_present (u8). A
// length-prefixed string trails the header carrying the candidate NodeID,
// since NodeID is a string rather than a fixed-width integer.
const votedForHeaderSize = 17

// readVotedFor loads the VotedForRecord from baseDir, returning a zero
// record if the file does not exist (fresh group).
func readVotedFor(baseDir string) (VotedForRecord, error) {
	path := filepath.Join(baseDir, votedForFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return VotedForRecord{}, nil
	}
	if err != nil {
		return VotedForRecord{}, errors.Wrap(ErrRecovery, err.Error())
	}
	if len(data) < votedForHeaderSize {
		return VotedForRecord{}, errors.Wrap(ErrRecovery, "voted_for file truncated")
	}

	term := Term(binary.LittleEndian.Uint64(data[0:8]))
	present := data[16] != 0
	if !present {
		return VotedForRecord{Term: term}, nil
	}

	if len(data) < votedForHeaderSize+4 {
		return VotedForRecord{}, errors.Wrap(ErrRecovery, "voted_for file missing candidate id")
	}
	idLen := binary.LittleEndian.Uint32(data[votedForHeaderSize : votedForHeaderSize+4])
	end := votedForHeaderSize + 4 + int(idLen)
	if len(data) < end {
		return VotedForRecord{}, errors.Wrap(ErrRecovery, "voted_for file candidate id truncated")
	}
	id := NodeID(data[votedForHeaderSize+4 : end])
	return VotedForRecord{Term: term, VotedFor: &id}, nil
}

// writeVotedFor persists record to baseDir with fsync, via write-to-temp
// plus rename for atomicity.
func writeVotedFor(baseDir string, record VotedForRecord) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Wrap(ErrDiskIO, err.Error())
	}

	var buf []byte
	var hdr [votedForHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(record.Term))
	// bytes 8:16 reserved (zeroed).
	if record.VotedFor != nil {
		hdr[16] = 1
	}
	buf = append(buf, hdr[:]...)
	if record.VotedFor != nil {
		id := []byte(*record.VotedFor)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, id...)
	}

	path := filepath.Join(baseDir, votedForFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(ErrDiskIO, err.Error())
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return errors.Wrap(ErrDiskIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(ErrDiskIO, err.Error())
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(ErrDiskIO, err.Error())
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(ErrDiskIO, err.Error())
	}
	return nil
}
