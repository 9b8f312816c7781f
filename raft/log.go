package raft

import (
	"context"
	"time"
)

// FsyncMode controls how aggressively disk_append forces durability,
// matching the raft_fsync_mode configuration option.
type FsyncMode int

const (
	FsyncAlways FsyncMode = iota
	FsyncOnCommit
	FsyncNever
)

// AppendResult is returned per entry by Log.Append.
type AppendResult struct {
	Offset LogOffset
	Term   Term
}

// Log is the append-only, fsync-capable, offset-addressable record log a
// Consensus instance replicates onto. Implementations must be safe for use
// by exactly one Consensus instance at a time, and safe for concurrent
// calls from its goroutines: the consensus core appends and truncates
// under its own operation lock, but the leader's per-follower replication
// reads entries without holding it.
type Log interface {
	// Append writes entries at the log's current tail under the given
	// fsync policy, returning the durable offset/term of each entry. It
	// must return ErrDiskTimeout-compatible errors if timeout elapses
	// before the write (and fsync, if requested) completes.
	Append(ctx context.Context, entries []LogEntry, mode FsyncMode, timeout time.Duration) ([]AppendResult, error)

	// Read streams entries starting at fromOffset, up to maxBytes.
	Read(ctx context.Context, fromOffset LogOffset, maxBytes int) ([]LogEntry, error)

	// TruncateSuffix discards every entry at or after fromOffset. Used
	// only by a follower when a leader proves divergence.
	TruncateSuffix(ctx context.Context, fromOffset LogOffset) error

	// LastOffset returns the greatest offset currently in the log, or 0
	// for an empty log.
	LastOffset() LogOffset

	// TermAt returns the term of the entry at offset, or an error if no
	// such entry exists.
	TermAt(offset LogOffset) (Term, error)

	// BaseDirectory returns the directory the durable voted_for file is
	// colocated with.
	BaseDirectory() string

	// NTP (name, term, partition analogue) identifies the log's owning
	// group, for logging and metrics labels.
	NTP() string
}
