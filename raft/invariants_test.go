package raft

import (
	"context"
	"testing"
)

// Exercises commit-advancement and next-offset backoff properties directly
// against a single leader's internal bookkeeping, instead of timing a
// live election, so the commit rule's quorum arithmetic can be checked
// deterministically.

func TestAdvanceCommitRequiresQuorumMatch(t *testing.T) {
	log := newMemTestLog(t)
	members := GroupConfiguration{"leader", "b", "c", "d", "e"}
	c := New("leader", "g1", members, log, newMemNetwork().cacheFor("leader"), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	if _, err := log.Append(context.Background(), []LogEntry{
		{Term: 1, Offset: 5, Kind: EntryData},
	}, FsyncNever, 0); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	c.mu.Lock()
	c.currentTerm = 1
	c.prevLogOffset = 10
	c.prevLogTerm = 1
	c.becomeLeaderLocked(1)
	// Quorum of 5 is 3: the leader's own offset counts as one match, so two
	// followers must also match offset 5 before the leader may commit it.
	c.leader.progress["b"].MatchOffset = 5
	c.advanceCommitLocked()
	gotBeforeQuorum := c.commitOffset

	c.leader.progress["c"].MatchOffset = 5
	c.advanceCommitLocked()
	gotAfterQuorum := c.commitOffset
	c.mu.Unlock()

	if gotBeforeQuorum != 0 {
		t.Errorf("should not commit before a quorum matches any offset, got commitOffset=%d", gotBeforeQuorum)
	}
	if gotAfterQuorum != 5 {
		t.Errorf("expected commitOffset to advance to the quorum-matched offset 5, got %d", gotAfterQuorum)
	}
}

func TestAdvanceCommitRefusesOffsetFromAnOlderTerm(t *testing.T) {
	log := newMemTestLog(t)
	members := GroupConfiguration{"leader", "b", "c"}
	c := New("leader", "g1", members, log, newMemNetwork().cacheFor("leader"), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	// Simulate a leader that inherited an uncommitted entry from term 1 and
	// has since advanced to term 2 without yet replicating anything of its
	// own: the old entry's offset must not commit merely from being
	// present on a quorum: leader-completeness requires committing only
	// entries from the current term, or already-committed earlier ones.
	if _, err := log.Append(context.Background(), []LogEntry{
		{Term: 1, Offset: 3, Kind: EntryData},
	}, FsyncNever, 0); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	c.mu.Lock()
	c.currentTerm = 2
	c.prevLogOffset = 3
	c.prevLogTerm = 1 // tail entry is still from term 1
	c.becomeLeaderLocked(2)
	c.leader.progress["b"].MatchOffset = 3
	c.leader.progress["c"].MatchOffset = 3
	c.advanceCommitLocked()
	got := c.commitOffset
	c.mu.Unlock()

	if got != 0 {
		t.Errorf("should refuse to commit an offset whose term does not match currentTerm, got commitOffset=%d", got)
	}
}

func TestGroupConfigurationQuorumIsStrictMajority(t *testing.T) {
	for n := 1; n <= 7; n++ {
		members := make(GroupConfiguration, n)
		cfg := GroupConfiguration(members)
		q := cfg.Quorum()
		if 2*q <= n {
			t.Errorf("quorum %d is not a strict majority of %d members", q, n)
		}
		if q > 0 && 2*(q-1) > n {
			t.Errorf("quorum %d is larger than the minimal strict majority of %d members", q, n)
		}
	}
}

func TestHandleAppendReplyBacksOffNextOffsetOnMismatch(t *testing.T) {
	log := newMemTestLog(t)
	members := GroupConfiguration{"leader", "follower"}
	c := New("leader", "g1", members, log, newMemNetwork().cacheFor("leader"), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	c.mu.Lock()
	c.currentTerm = 1
	c.prevLogOffset = 10
	c.prevLogTerm = 1
	c.becomeLeaderLocked(1)
	prog := c.leader.progress["follower"]
	prog.NextOffset = 9
	sent := []LogEntry{{Term: 1, Offset: 8, Kind: EntryData}}
	c.handleAppendReplyLocked("follower", prog, sent, AppendEntriesReply{
		Term: 1, Success: false, Hint: 3,
	})
	nextOffset := prog.NextOffset
	c.mu.Unlock()

	if nextOffset != 4 {
		t.Errorf("expected NextOffset to back off to hint+1=4, got %d", nextOffset)
	}
}
