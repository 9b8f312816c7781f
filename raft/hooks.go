package raft

// CommitHook is an observer capability registered on a Consensus instance.
// Hooks are invoked synchronously under the operation lock, in registration
// order. A hook must never call back into the Consensus instance it is
// registered on — doing so deadlocks, since the operation lock is already
// held by the calling goroutine.
type CommitHook interface {
	// PreCommit is called before the disk append acknowledges, for the
	// range beginning at begin.
	PreCommit(begin LogOffset, entries []LogEntry) error

	// Abort is called if the append that followed PreCommit failed.
	Abort(begin LogOffset)

	// Commit is called once the commit index crosses committed, for the
	// range (begin, committed].
	Commit(begin, committed LogOffset)
}

// SnapshotHook gives external subsystems a seam to observe commit
// advancement and decide whether a snapshot would be worthwhile, without
// this module implementing snapshotting or log compaction itself. If
// unset, it is never consulted.
type SnapshotHook interface {
	// ShouldSnapshot is consulted after each commit advancement. Its
	// return value is informational only: a true result is logged at
	// debug level, and no snapshotting action is taken by this module.
	ShouldSnapshot(meta ProtocolMetadata) bool
}
