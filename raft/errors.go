package raft

import "github.com/pkg/errors"

// Sentinel error kinds. Callers should compare with errors.Is;
// instance-boundary call sites wrap these with github.com/pkg/errors to
// carry a stack trace for operational diagnosis.
var (
	// ErrTermStale means a request's term is below the recipient's current
	// term. Surfaced as granted=false / success=false, never fatal.
	ErrTermStale = errors.New("raft: stale term")

	// ErrLogInconsistent means prev_offset/prev_term did not match the
	// local log. Surfaced with a hint, not fatal.
	ErrLogInconsistent = errors.New("raft: log inconsistent at prev offset")

	// ErrDiskTimeout means a disk append exceeded the configured deadline.
	ErrDiskTimeout = errors.New("raft: disk append timed out")

	// ErrDiskIO wraps an underlying Log error.
	ErrDiskIO = errors.New("raft: disk io error")

	// ErrRecovery means VotedForRecord was corrupt or disagreed with the
	// log tail term during start(). Fatal: the instance does not start.
	ErrRecovery = errors.New("raft: recovery failed")

	// ErrNotLeader is returned by client-initiated operations on a
	// non-leader instance.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrStopped is returned by any operation attempted after stop().
	ErrStopped = errors.New("raft: instance stopped")

	// ErrLeadershipLost is returned to a pending Propose call when the
	// instance steps down before the entry commits.
	ErrLeadershipLost = errors.New("raft: leadership lost while committing log")
)

// NotLeaderError is Propose's non-leader rejection. Leader is this
// instance's best current guess at who holds the term, or nil if unknown;
// a caller can use it to redirect without a round of trial and error.
type NotLeaderError struct {
	Leader *NodeID
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return ErrNotLeader.Error()
	}
	return ErrNotLeader.Error() + ": current leader is " + string(*e.Leader)
}

// Is makes errors.Is(err, ErrNotLeader) match, so existing callers that
// only care about the sentinel don't need to know about the typed form.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
