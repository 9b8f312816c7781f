package raft

import (
	"context"
)

// Vote is the recipient side of RequestVote. It is safe for concurrent
// invocation from multiple peers; the operation lock serializes it against
// every other mutating operation.
func (c *Consensus) Vote(ctx context.Context, req VoteRequest) (VoteReply, error) {
	exit, err := c.enter()
	defer exit()
	if err != nil {
		return VoteReply{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		c.logger.VoteDenied(string(req.NodeID), uint64(req.Term), "stale term")
		return VoteReply{Group: c.group, Term: c.currentTerm, Granted: false}, nil
	}

	if req.Term > c.currentTerm {
		if err := c.stepDownLocked(req.Term); err != nil {
			return VoteReply{}, err
		}
	}

	logOK := c.isLogUpToDateLocked(req.PrevLogOffset, req.PrevLogTerm)
	canVote := c.votedFor == nil || *c.votedFor == req.NodeID

	if !canVote || !logOK {
		reason := "already voted"
		if !logOK {
			reason = "candidate log not up to date"
		}
		c.logger.VoteDenied(string(req.NodeID), uint64(req.Term), reason)
		return VoteReply{Group: c.group, Term: c.currentTerm, Granted: false, LogOK: logOK}, nil
	}

	candidate := req.NodeID
	c.votedFor = &candidate
	if err := writeVotedFor(c.log.BaseDirectory(), VotedForRecord{Term: c.currentTerm, VotedFor: &candidate}); err != nil {
		return VoteReply{}, err
	}
	c.resetElectionTimerLocked()
	c.logger.VoteGranted(string(req.NodeID), uint64(req.Term))

	return VoteReply{Group: c.group, Term: c.currentTerm, Granted: true, LogOK: true}, nil
}

// isLogUpToDateLocked is the election-restriction comparison: the
// candidate's log is at least as up to date as ours if its last term is
// greater, or equal with an offset that is not smaller.
func (c *Consensus) isLogUpToDateLocked(candOffset LogOffset, candTerm Term) bool {
	if candTerm != c.prevLogTerm {
		return candTerm > c.prevLogTerm
	}
	return candOffset >= c.prevLogOffset
}

// dispatchElection is the candidate side: bump term, vote for self,
// persist, solicit votes from every peer concurrently, and become leader
// on a majority. Replies carry the full VoteReply rather than a bare bool
// so a higher observed term can trigger a step down mid-election. Invoked
// only from the run loop on election timeout.
func (c *Consensus) dispatchElection() {
	exit, err := c.enter()
	defer exit()
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	newTerm := c.currentTerm + 1
	c.currentTerm = newTerm
	c.state = Candidate
	self := c.self
	c.votedFor = &self
	c.currentLeader = nil
	prevOffset, prevTerm := c.prevLogOffset, c.prevLogTerm
	cfg := c.cfg
	c.resetElectionTimerLocked()
	c.mu.Unlock()

	if err := writeVotedFor(c.log.BaseDirectory(), VotedForRecord{Term: newTerm, VotedFor: &self}); err != nil {
		c.logger.Error(err, "failed to persist self-vote")
		return
	}
	c.logger.ElectionStart(uint64(newTerm))
	if c.metrics != nil {
		c.metrics.Elections.WithLabelValues(string(c.group), "started").Inc()
	}

	type result struct {
		reply VoteReply
		err   error
	}
	replies := make(chan result, len(cfg))
	for _, peer := range cfg {
		if peer == self {
			continue
		}
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.conf.ElectionTimeout)
			defer cancel()
			reply, err := c.cache.Vote(ctx, peer, VoteRequest{
				Group:         c.group,
				NodeID:        self,
				Term:          newTerm,
				PrevLogOffset: prevOffset,
				PrevLogTerm:   prevTerm,
			})
			replies <- result{reply, err}
		}()
	}

	votes := 1 // self
	need := cfg.Quorum()
	expected := len(cfg) - 1
	if votes >= need {
		// A single-member group wins on its own vote.
		c.mu.Lock()
		if c.state == Candidate && c.currentTerm == newTerm {
			c.becomeLeaderLocked(newTerm)
		}
		c.mu.Unlock()
		return
	}
	for i := 0; i < expected; i++ {
		r := <-replies
		c.mu.Lock()
		if c.state != Candidate || c.currentTerm != newTerm {
			c.mu.Unlock()
			return
		}
		if r.err == nil {
			if r.reply.Term > newTerm {
				_ = c.stepDownLocked(r.reply.Term)
				c.mu.Unlock()
				return
			}
			if r.reply.Granted {
				votes++
			}
		}
		if votes >= need {
			c.becomeLeaderLocked(newTerm)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}

	c.logger.ElectionLost(uint64(newTerm), votes, need)
	if c.metrics != nil {
		c.metrics.Elections.WithLabelValues(string(c.group), "lost").Inc()
	}
}

// becomeLeaderLocked transitions Candidate -> Leader, reinitializing
// per-follower progress optimistically at the leader's own tail, and
// appends a no-op entry at the new term so advanceCommitLocked's
// term-match rule can eventually commit entries inherited from a prior
// term without waiting on the first client Propose. Must be called while
// holding mu.
func (c *Consensus) becomeLeaderLocked(term Term) {
	c.state = Leader
	self := c.self
	c.currentLeader = &self
	c.leader = &leaderState{
		progress: make(map[NodeID]*FollowerProgress, len(c.cfg)),
		waiters:  make(map[LogOffset][]chan error),
	}
	for _, peer := range c.cfg {
		if peer == c.self {
			continue
		}
		c.leader.progress[peer] = &FollowerProgress{
			MatchOffset: 0,
			NextOffset:  c.prevLogOffset + 1,
		}
	}
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	c.logger.ElectionWon(uint64(term), len(c.cfg), c.cfg.Quorum())
	if c.metrics != nil {
		c.metrics.Elections.WithLabelValues(string(c.group), "won").Inc()
	}

	noop := LogEntry{Term: term, Offset: c.prevLogOffset + 1, Kind: EntryCheckpoint}
	if err := c.preCommitLocked(noop.Offset, []LogEntry{noop}); err != nil {
		c.logger.Error(err, "no-op entry rejected on election, stepping down")
		c.forceStepDownHealthLocked()
		return
	}
	results, err := c.log.Append(context.Background(), []LogEntry{noop}, c.conf.FsyncMode, c.conf.DiskTimeout)
	if err != nil {
		c.abortHooksLocked(noop.Offset)
		c.logger.Error(err, "failed to append no-op entry on election")
		c.forceStepDownHealthLocked()
		return
	}
	last := results[0]
	c.prevLogOffset = last.Offset
	c.prevLogTerm = last.Term

	c.notifyLeadership(LeadershipStatus{Group: c.group, Term: term, CurrentLeader: &self})

	for peer := range c.leader.progress {
		go c.replicateFollower(peer)
	}
}
