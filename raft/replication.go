package raft

import (
	"context"

	"github.com/pkg/errors"
)

// AppendEntries is the recipient side of the replication RPC: term
// checks, the log-matching consistency check, the append itself and
// commit-offset advancement all happen here under the operation lock.
func (c *Consensus) AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesReply, error) {
	exit, err := c.enter()
	defer exit()
	if err != nil {
		return AppendEntriesReply{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		if c.metrics != nil {
			c.metrics.AppendEntries.WithLabelValues(string(c.group), "stale_term").Inc()
		}
		return AppendEntriesReply{Group: c.group, NodeID: c.self, Term: c.currentTerm, Success: false}, nil
	}

	if req.Term > c.currentTerm {
		if err := c.stepDownLocked(req.Term); err != nil {
			return AppendEntriesReply{}, err
		}
	} else if c.state == Candidate {
		c.state = Follower
	}

	leader := req.NodeID
	c.currentLeader = &leader
	c.resetElectionTimerLocked()

	if len(req.Entries) == 0 {
		c.logger.HeartbeatReceived(string(req.NodeID), uint64(req.Term))
	} else {
		c.logger.AppendEntries(string(req.NodeID), uint64(req.Term), uint64(req.PrevLogOffset), len(req.Entries))
	}

	// Log matching property check: the term at prevLogOffset must agree.
	matchTerm, matchErr := c.termAtLocked(req.PrevLogOffset)
	if req.PrevLogOffset > c.prevLogOffset || matchErr != nil || matchTerm != req.PrevLogTerm {
		hint := c.prevLogOffset
		if hint > req.PrevLogOffset {
			hint = req.PrevLogOffset
		}
		if c.metrics != nil {
			c.metrics.AppendEntries.WithLabelValues(string(c.group), "log_mismatch").Inc()
		}
		return AppendEntriesReply{
			Group: c.group, NodeID: c.self, Term: c.currentTerm,
			Success: false, LastLogOffset: c.prevLogOffset, Hint: hint,
		}, nil
	}

	if len(req.Entries) > 0 {
		if err := c.diskAppendFollowerLocked(ctx, req.Entries); err != nil {
			if c.metrics != nil {
				c.metrics.AppendEntries.WithLabelValues(string(c.group), "disk_error").Inc()
			}
			return AppendEntriesReply{}, err
		}
	}

	if req.CommitOffset > c.commitOffset {
		old := c.commitOffset
		newCommit := req.CommitOffset
		if newCommit > c.prevLogOffset {
			newCommit = c.prevLogOffset
		}
		if newCommit > old {
			c.commitOffset = newCommit
			c.logger.Commit(uint64(newCommit), uint64(c.currentTerm))
			c.invokeHooksLocked(old, newCommit)
		}
	}

	if c.metrics != nil {
		c.metrics.AppendEntries.WithLabelValues(string(c.group), "success").Inc()
	}
	return AppendEntriesReply{
		Group: c.group, NodeID: c.self, Term: c.currentTerm,
		Success: true, LastLogOffset: c.prevLogOffset,
	}, nil
}

// diskAppendFollowerLocked truncates any divergent suffix and appends the
// leader's entries, running them through the registered CommitHooks'
// PreCommit/Abort before and around the append, then updates
// prevLogOffset/prevLogTerm to the new tail. Must be called while holding
// mu.
func (c *Consensus) diskAppendFollowerLocked(ctx context.Context, entries []LogEntry) error {
	first := entries[0]
	if first.Offset <= c.prevLogOffset {
		existingTerm, err := c.termAtLocked(first.Offset)
		if err != nil || existingTerm != first.Term {
			if err := c.log.TruncateSuffix(ctx, first.Offset); err != nil {
				return errDiskIO(err)
			}
		} else {
			// Already have this entry; drop the overlapping prefix.
			keep := entries[:0]
			for _, e := range entries {
				if e.Offset > c.prevLogOffset {
					keep = append(keep, e)
				}
			}
			entries = keep
			if len(entries) == 0 {
				return nil
			}
		}
	}

	if err := c.preCommitLocked(entries[0].Offset, entries); err != nil {
		return err
	}

	results, err := c.log.Append(ctx, entries, c.conf.FsyncMode, c.conf.DiskTimeout)
	if err != nil {
		c.abortHooksLocked(entries[0].Offset)
		c.forceStepDownHealthLocked()
		return errDiskIO(err)
	}
	last := results[len(results)-1]
	c.prevLogOffset = last.Offset
	c.prevLogTerm = last.Term
	return nil
}

// errDiskIO wraps an underlying Log error with the ErrDiskIO sentinel so
// callers can match it with errors.Is regardless of the Log
// implementation's own error type.
func errDiskIO(err error) error {
	return errors.Wrap(ErrDiskIO, err.Error())
}

// Heartbeat drives one replication attempt against peer through the same
// per-follower path Propose wakes up, piggybacking any entries peer is
// behind on. It is a no-op if this instance is not the leader, peer is
// not a configured follower, or a replication attempt to peer is already
// in flight (see FollowerProgress.InFlight). The heartbeat manager calls
// this once per registered group's peer on every tick instead of issuing
// its own AppendEntries, so commit-index advancement and follower
// backoff always run through the one code path.
func (c *Consensus) Heartbeat(peer NodeID) {
	c.replicateFollower(peer)
}

// replicateFollower is the leader-side per-follower replication loop,
// shared by both the heartbeat manager's periodic tick and Propose's
// immediate wake-up. An empty batch is purely informational and only
// updates LastContact via ProcessHeartbeat; a non-empty batch runs the
// full consistency check/backoff handling.
func (c *Consensus) replicateFollower(peer NodeID) {
	exit, err := c.enter()
	defer exit()
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.state != Leader || c.leader == nil {
		c.mu.Unlock()
		return
	}
	prog, ok := c.leader.progress[peer]
	if !ok || prog.InFlight {
		c.mu.Unlock()
		return
	}
	prog.InFlight = true
	term := c.currentTerm
	commitOffset := c.commitOffset
	prevOffset := prog.NextOffset - 1
	prevTerm, termErr := c.termAtLocked(prevOffset)
	leaderLastOffset := c.prevLogOffset
	c.mu.Unlock()

	if termErr != nil {
		c.mu.Lock()
		prog.InFlight = false
		c.mu.Unlock()
		return
	}

	var entries []LogEntry
	if prevOffset < leaderLastOffset {
		entries, err = c.log.Read(context.Background(), prevOffset+1, c.conf.ReplicateBatchMaxBytes)
		if err != nil {
			c.mu.Lock()
			prog.InFlight = false
			c.mu.Unlock()
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.HeartbeatInterval*4)
	reply, rpcErr := c.cache.AppendEntries(ctx, peer, AppendEntriesRequest{
		Group:         c.group,
		NodeID:        c.self,
		Term:          term,
		PrevLogOffset: prevOffset,
		PrevLogTerm:   prevTerm,
		CommitOffset:  commitOffset,
		Entries:       entries,
	})
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	prog.InFlight = false
	if c.state != Leader || c.currentTerm != term {
		return
	}
	if rpcErr != nil {
		return
	}

	if len(entries) == 0 {
		c.processHeartbeatLocked(peer, prog, reply)
		return
	}
	c.handleAppendReplyLocked(peer, prog, entries, reply)
}

// ProcessHeartbeat updates LastContact bookkeeping from an empty-batch
// AppendEntries reply obtained outside this instance. heartbeat.Manager
// does not call it (it drives Heartbeat instead); replicateFollower
// applies the same logic through processHeartbeatLocked when its own
// batch happens to be empty. MatchOffset is
// never advanced here — only a non-empty batch's reply proves the
// follower holds those entries (see DESIGN.md for the reasoning).
func (c *Consensus) ProcessHeartbeat(peer NodeID, reply AppendEntriesReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Leader || c.leader == nil {
		return
	}
	prog, ok := c.leader.progress[peer]
	if !ok {
		return
	}
	c.processHeartbeatLocked(peer, prog, reply)
}

// processHeartbeatLocked is ProcessHeartbeat's body, usable from call sites
// that already hold mu. Must be called while holding mu.
func (c *Consensus) processHeartbeatLocked(peer NodeID, prog *FollowerProgress, reply AppendEntriesReply) {
	if reply.Term > c.currentTerm {
		_ = c.stepDownLocked(reply.Term)
		return
	}
	prog.LastContact = c.conf.Clock.Now()
	c.logger.HeartbeatSent(uint64(c.currentTerm), 1)
}

// handleAppendReplyLocked is the leader-side reply handler: on success it
// advances match/next offset and re-checks the commit rule; on log
// mismatch it backs off nextOffset using the follower's hint. Must be
// called while holding mu.
func (c *Consensus) handleAppendReplyLocked(peer NodeID, prog *FollowerProgress, sent []LogEntry, reply AppendEntriesReply) {
	if reply.Term > c.currentTerm {
		_ = c.stepDownLocked(reply.Term)
		return
	}
	prog.LastContact = c.conf.Clock.Now()

	if !reply.Success {
		next := reply.Hint + 1
		if next == 0 || next >= prog.NextOffset {
			next = prog.NextOffset - 1
		}
		if next < 1 {
			next = 1
		}
		prog.NextOffset = next
		if c.metrics != nil {
			c.metrics.AppendEntries.WithLabelValues(string(c.group), "backoff").Inc()
		}
		go c.replicateFollower(peer)
		return
	}

	last := sent[len(sent)-1]
	if last.Offset > prog.MatchOffset {
		prog.MatchOffset = last.Offset
		prog.NextOffset = last.Offset + 1
	}
	c.advanceCommitLocked()
}

// Propose appends a new entry on behalf of the caller and blocks until it
// commits, the instance loses leadership, or ctx is cancelled. It returns
// a *NotLeaderError immediately if this instance is not the leader; the
// error carries a hint at the current leader, if known, so the caller can
// redirect (errors.Is(err, ErrNotLeader) still matches).
func (c *Consensus) Propose(ctx context.Context, kind EntryKind, payload []byte) (LogOffset, error) {
	exit, err := c.enter()
	defer exit()
	if err != nil {
		return 0, err
	}

	// The disk append runs while the operation lock is held, exactly as
	// the follower-side diskAppendFollowerLocked does, so two concurrent
	// Propose calls can never race on which entry gets which offset.
	c.mu.Lock()
	if c.state != Leader || c.leader == nil {
		hint := c.currentLeader
		c.mu.Unlock()
		return 0, &NotLeaderError{Leader: hint}
	}
	term := c.currentTerm
	entry := LogEntry{Term: term, Offset: c.prevLogOffset + 1, Kind: kind, Payload: payload}

	if err := c.preCommitLocked(entry.Offset, []LogEntry{entry}); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	results, err := c.log.Append(ctx, []LogEntry{entry}, c.conf.FsyncMode, c.conf.DiskTimeout)
	if err != nil {
		c.abortHooksLocked(entry.Offset)
		c.forceStepDownHealthLocked()
		c.mu.Unlock()
		return 0, errDiskIO(err)
	}
	offset := results[0].Offset

	wait := make(chan error, 1)
	if c.state != Leader || c.currentTerm != term || c.leader == nil {
		c.mu.Unlock()
		return offset, ErrLeadershipLost
	}
	c.prevLogOffset = offset
	c.prevLogTerm = term
	c.leader.waiters[offset] = append(c.leader.waiters[offset], wait)
	peers := make([]NodeID, 0, len(c.leader.progress))
	for peer := range c.leader.progress {
		peers = append(peers, peer)
	}
	c.mu.Unlock()

	for _, peer := range peers {
		go c.replicateFollower(peer)
	}

	select {
	case err := <-wait:
		return offset, err
	case <-ctx.Done():
		return offset, ctx.Err()
	}
}
