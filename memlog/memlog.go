// Package memlog is a reference implementation of raft.Log: an
// append-only, offset-addressable record file with an in-memory offset
// index, grounded on storage/wal.go's buffered-writer-plus-fsync file
// handling but rebuilt around raft.LogEntry offsets/terms instead of
// WAL put/delete operations.
package memlog

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vectorlog/raft/raft"
)

// Log is a single-writer, file-backed raft.Log. It is safe only for use by
// the one Consensus instance that owns it, matching the raft.Log contract.
type Log struct {
	mu      sync.Mutex
	dir     string
	ntp     string
	file    *os.File
	writer  *bufio.Writer
	offsets []offsetEntry // index i holds bookkeeping for log position i+1
}

type offsetEntry struct {
	offset     raft.LogOffset
	term       raft.Term
	fileOffset int64
}

const logFileName = "entries.log"

// Open creates or reopens a Log rooted at dir, replaying entries.log to
// rebuild the in-memory offset index (grounded on storage/wal.go's
// ReadAll-on-open recovery pattern).
func Open(dir, ntp string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}

	l := &Log{
		dir:    dir,
		ntp:    ntp,
		file:   f,
		writer: bufio.NewWriter(f),
	}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	r, err := os.Open(filepath.Join(l.dir, logFileName))
	if err != nil {
		return errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	defer r.Close()

	br := bufio.NewReader(r)
	var pos int64
	for {
		e, err := raft.DecodeEntry(br)
		if err != nil {
			break // EOF or truncated tail; stop replay here
		}
		l.offsets = append(l.offsets, offsetEntry{offset: e.Offset, term: e.Term, fileOffset: pos})
		pos += entryWireSize(e)
	}
	return nil
}

func entryWireSize(e raft.LogEntry) int64 {
	return 21 + int64(len(e.Payload))
}

// Append implements raft.Log. The write runs synchronously under the
// file's own lock. ctx and timeout are checked before the write starts;
// once started, the write (and fsync) is never abandoned midway, since an
// in-flight local-disk write cannot be cut off without corrupting the
// file. If the deadline has passed by the time it finishes, Append returns
// the results together with ErrDiskTimeout; the entries are then already
// in the file.
func (l *Log) Append(ctx context.Context, entries []raft.LogEntry, mode raft.FsyncMode, timeout time.Duration) ([]raft.AppendResult, error) {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if time.Now().After(deadline) {
		return nil, raft.ErrDiskTimeout
	}

	// The writer is flushed at the end of every Append, so the file's end
	// is where this batch starts; later entries follow the earlier ones.
	pos, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	results := make([]raft.AppendResult, 0, len(entries))
	for _, e := range entries {
		buf := raft.EncodeEntry(nil, e)
		if _, err := l.writer.Write(buf); err != nil {
			return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
		}
		l.offsets = append(l.offsets, offsetEntry{offset: e.Offset, term: e.Term, fileOffset: pos})
		pos += int64(len(buf))
		results = append(results, raft.AppendResult{Offset: e.Offset, Term: e.Term})
	}
	if err := l.writer.Flush(); err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	if mode == raft.FsyncAlways {
		if err := l.file.Sync(); err != nil {
			return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
		}
	}
	if time.Now().After(deadline) {
		return results, raft.ErrDiskTimeout
	}
	return results, nil
}

// Read implements raft.Log.
func (l *Log) Read(ctx context.Context, fromOffset raft.LogOffset, maxBytes int) ([]raft.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(fromOffset)
	if idx < 0 {
		return nil, nil
	}

	f, err := os.Open(filepath.Join(l.dir, logFileName))
	if err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	defer f.Close()

	if _, err := f.Seek(l.offsets[idx].fileOffset, io.SeekStart); err != nil {
		return nil, errors.Wrap(raft.ErrDiskIO, err.Error())
	}

	br := bufio.NewReader(f)
	var out []raft.LogEntry
	budget := maxBytes
	for i := idx; i < len(l.offsets); i++ {
		e, err := raft.DecodeEntry(br)
		if err != nil {
			break
		}
		out = append(out, e)
		budget -= int(entryWireSize(e))
		if budget <= 0 {
			break
		}
	}
	return out, nil
}

// TruncateSuffix implements raft.Log.
func (l *Log) TruncateSuffix(ctx context.Context, fromOffset raft.LogOffset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(fromOffset)
	if idx < 0 {
		return nil
	}
	truncateAt := l.offsets[idx].fileOffset

	if err := l.writer.Flush(); err != nil {
		return errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	if err := l.file.Close(); err != nil {
		return errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	path := filepath.Join(l.dir, logFileName)
	if err := os.Truncate(path, truncateAt); err != nil {
		return errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(raft.ErrDiskIO, err.Error())
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.offsets = l.offsets[:idx]
	return nil
}

// LastOffset implements raft.Log.
func (l *Log) LastOffset() raft.LogOffset {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.offsets) == 0 {
		return 0
	}
	return l.offsets[len(l.offsets)-1].offset
}

// TermAt implements raft.Log.
func (l *Log) TermAt(offset raft.LogOffset) (raft.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOf(offset)
	if idx < 0 || l.offsets[idx].offset != offset {
		return 0, errors.Wrap(raft.ErrLogInconsistent, "offset not present")
	}
	return l.offsets[idx].term, nil
}

// BaseDirectory implements raft.Log.
func (l *Log) BaseDirectory() string { return l.dir }

// NTP implements raft.Log.
func (l *Log) NTP() string { return l.ntp }

// indexOf returns the index of the first offsets entry with offset >=
// target, or -1 if none exists. Linear scan: memlog targets tests and
// small demos, not production-scale logs.
func (l *Log) indexOf(target raft.LogOffset) int {
	for i, e := range l.offsets {
		if e.offset >= target {
			return i
		}
	}
	return -1
}
