package raft

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vectorlog/raft/raft/clock"
	"github.com/vectorlog/raft/raft/internal/gate"
	"github.com/vectorlog/raft/raft/internal/rlog"
)

// leaderState is volatile state that only exists while this instance is
// Leader, reinitialized every time it wins an election. Grounded on
// raft/raft_core.go's nextIndex/matchIndex maps, generalized into a
// per-peer struct and extended with the Propose-completion waiters needed
// to implement a blocking client-facing Propose.
type leaderState struct {
	progress map[NodeID]*FollowerProgress
	waiters  map[LogOffset][]chan error
}

// Consensus is one Raft replication group: leader election, log
// replication and commit-index advancement for a single group.
type Consensus struct {
	self  NodeID
	group GroupID
	cfg   GroupConfiguration
	log   Log
	conf  Config
	cache ConnCache

	metrics *Metrics
	logger  *rlog.Logger

	gate gate.Gate

	// mu is the single-permit operation lock: every mutating operation —
	// vote, append_entries, election dispatch, disk append, commit
	// advancement — runs while holding it.
	mu            sync.Mutex
	state         VoteState
	currentTerm   Term
	votedFor      *NodeID
	prevLogOffset LogOffset
	prevLogTerm   Term
	commitOffset  LogOffset
	currentLeader *NodeID
	leader        *leaderState
	hooks         []CommitHook
	snapshotHook  SnapshotHook
	electionTimer clock.Timer
	stopped       bool

	metaSnapshot  atomic.Pointer[ProtocolMetadata]
	leaderFlag    atomic.Bool
	statusCh      atomic.Pointer[chan LeadershipStatus]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Consensus instance. It does not read durable state or
// start any background work; call Start for that.
func New(self NodeID, group GroupID, cfg GroupConfiguration, log Log, cache ConnCache, metrics *Metrics, opts ...Option) *Consensus {
	conf := DefaultConfig()
	for _, opt := range opts {
		opt(&conf)
	}
	if conf.Clock == nil {
		conf.Clock = clock.System{}
	}
	c := &Consensus{
		self:    self,
		group:   group,
		cfg:     cfg,
		log:     log,
		cache:   cache,
		conf:    conf,
		metrics: metrics,
		logger:  rlog.New(string(group), string(self)),
		stopCh:  make(chan struct{}),
	}
	return c
}

// Start recovers durable state, installs a jittered election timer and
// enters Follower. It fails with ErrRecovery if voted_for is corrupt or
// the log's tail term disagrees with recovered metadata.
func (c *Consensus) Start(ctx context.Context) error {
	record, err := readVotedFor(c.log.BaseDirectory())
	if err != nil {
		return err
	}

	lastOffset := c.log.LastOffset()
	var lastTerm Term
	if lastOffset > 0 {
		lastTerm, err = c.log.TermAt(lastOffset)
		if err != nil {
			return errors.Wrap(ErrRecovery, err.Error())
		}
	}
	if record.Term > 0 && lastTerm > record.Term {
		return errors.Wrap(ErrRecovery, "log tail term exceeds recovered voted_for term")
	}

	c.mu.Lock()
	c.state = Follower
	c.currentTerm = record.Term
	c.votedFor = record.VotedFor
	c.prevLogOffset = lastOffset
	c.prevLogTerm = lastTerm
	c.electionTimer = c.conf.Clock.NewTimer(clock.Jitter(c.conf.ElectionTimeout))
	c.mu.Unlock()

	c.publishMeta()

	c.wg.Add(1)
	go c.run()

	c.logger.Info("started")
	return nil
}

// Stop cancels timers, drains the background gate, awaits in-flight
// operations and releases resources. Idempotent.
func (c *Consensus) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)

	var result *multierror.Error
	if err := c.gate.Close(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "gate close"))
	}
	c.wg.Wait()

	c.mu.Lock()
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	c.failAllWaitersLocked(ErrStopped)
	c.mu.Unlock()

	c.logger.Info("stopped")
	return result.ErrorOrNil()
}

// run is the instance's single background goroutine: it owns the election
// timer and is the only place state transitions are dispatched from a
// timer rather than an inbound RPC.
func (c *Consensus) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		timer := c.electionTimer
		c.mu.Unlock()
		if timer == nil {
			return
		}
		select {
		case <-c.stopCh:
			return
		case <-timer.C():
			c.logger.ElectionTimeout()
			c.dispatchElection()
		}
	}
}

// IsLeader is a pure accessor, safe concurrent with the operation lock.
func (c *Consensus) IsLeader() bool { return c.leaderFlag.Load() }

// Meta returns an atomic snapshot of ProtocolMetadata.
func (c *Consensus) Meta() ProtocolMetadata {
	if p := c.metaSnapshot.Load(); p != nil {
		return *p
	}
	return ProtocolMetadata{Group: c.group}
}

// Config returns the group's voting configuration.
func (c *Consensus) Config() GroupConfiguration { return c.cfg }

// GroupID returns the owning group id.
func (c *Consensus) GroupID() GroupID { return c.group }

// NodeID returns this instance's own node id.
func (c *Consensus) NodeID() NodeID { return c.self }

// RegisterHook attaches a CommitHook, invoked synchronously under the
// operation lock in registration order.
func (c *Consensus) RegisterHook(h CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// RegisterSnapshotHook attaches the optional SnapshotHook.
func (c *Consensus) RegisterSnapshotHook(h SnapshotHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotHook = h
}

// SetLeadershipNotifier registers the channel the Group Manager receives
// LeadershipStatus transitions on. Called once by group.Manager.StartGroup.
func (c *Consensus) SetLeadershipNotifier(ch chan LeadershipStatus) {
	c.statusCh.Store(&ch)
}

func (c *Consensus) notifyLeadership(status LeadershipStatus) {
	if p := c.statusCh.Load(); p != nil {
		select {
		case *p <- status:
		default:
			c.logger.Debug("leadership notification channel full, dropping")
		}
	}
}

func (c *Consensus) publishMeta() {
	c.mu.Lock()
	meta := ProtocolMetadata{
		Group:         c.group,
		CurrentTerm:   c.currentTerm,
		PrevLogOffset: c.prevLogOffset,
		PrevLogTerm:   c.prevLogTerm,
		CommitOffset:  c.commitOffset,
	}
	isLeader := c.state == Leader
	c.mu.Unlock()
	c.metaSnapshot.Store(&meta)
	c.leaderFlag.Store(isLeader)
	if c.metrics != nil {
		c.metrics.CurrentTerm.WithLabelValues(string(c.group)).Set(float64(meta.CurrentTerm))
		c.metrics.CommitOffset.WithLabelValues(string(c.group)).Set(float64(meta.CommitOffset))
	}
}

// stepDownLocked adopts term (which must exceed currentTerm), clears
// votedFor, persists the cleared record and demotes to Follower. Must be
// called while holding mu.
func (c *Consensus) stepDownLocked(term Term) error {
	wasLeader := c.state == Leader
	oldTerm := c.currentTerm
	c.currentTerm = term
	c.votedFor = nil
	c.currentLeader = nil
	c.state = Follower
	c.resetElectionTimerLocked()

	if err := writeVotedFor(c.log.BaseDirectory(), VotedForRecord{Term: term}); err != nil {
		return err
	}

	if wasLeader {
		c.logger.StepDown(uint64(oldTerm), uint64(term))
		c.failAllWaitersLocked(ErrLeadershipLost)
		c.leader = nil
		if c.metrics != nil {
			c.metrics.StepDowns.WithLabelValues(string(c.group)).Inc()
		}
		c.notifyLeadership(LeadershipStatus{Group: c.group, Term: term, CurrentLeader: nil})
	}
	return nil
}

// forceStepDownHealthLocked demotes a leader without a term change, used
// when a disk append exceeds its deadline and the instance must step down
// without adopting a new term.
func (c *Consensus) forceStepDownHealthLocked() {
	if c.state != Leader {
		return
	}
	c.logger.StepDown(uint64(c.currentTerm), uint64(c.currentTerm))
	c.state = Follower
	c.currentLeader = nil
	c.failAllWaitersLocked(ErrLeadershipLost)
	c.leader = nil
	c.resetElectionTimerLocked()
	if c.metrics != nil {
		c.metrics.StepDowns.WithLabelValues(string(c.group)).Inc()
	}
	c.notifyLeadership(LeadershipStatus{Group: c.group, Term: c.currentTerm, CurrentLeader: nil})
}

func (c *Consensus) resetElectionTimerLocked() {
	if c.electionTimer != nil {
		c.electionTimer.Reset(clock.Jitter(c.conf.ElectionTimeout))
	}
}

func (c *Consensus) failAllWaitersLocked(err error) {
	if c.leader == nil {
		return
	}
	for offset, chans := range c.leader.waiters {
		for _, ch := range chans {
			ch <- err
			close(ch)
		}
		delete(c.leader.waiters, offset)
	}
}

// termAtLocked returns the term of offset 0 (the empty-log sentinel) or
// delegates to the Log for any other offset.
func (c *Consensus) termAtLocked(offset LogOffset) (Term, error) {
	if offset == 0 {
		return 0, nil
	}
	if offset == c.prevLogOffset {
		return c.prevLogTerm, nil
	}
	return c.log.TermAt(offset)
}

// invokeHooksLocked calls every registered hook's Commit for
// (old, newCommit] in registration order.
func (c *Consensus) invokeHooksLocked(old, newCommit LogOffset) {
	for _, h := range c.hooks {
		h.Commit(old, newCommit)
	}
	if c.metrics != nil {
		c.metrics.CommitOffset.WithLabelValues(string(c.group)).Set(float64(newCommit))
	}
	if chans, ok := c.leader.popReadyWaitersLocked(newCommit); ok {
		for _, ch := range chans {
			ch <- nil
			close(ch)
		}
	}
	if c.snapshotHook != nil {
		meta := ProtocolMetadata{
			Group:         c.group,
			CurrentTerm:   c.currentTerm,
			PrevLogOffset: c.prevLogOffset,
			PrevLogTerm:   c.prevLogTerm,
			CommitOffset:  newCommit,
		}
		if c.snapshotHook.ShouldSnapshot(meta) {
			c.logger.Debug("snapshot hook advised a snapshot (no-op: compaction out of scope)")
		}
	}
}

// preCommitLocked calls PreCommit on every registered hook, in
// registration order, for the range beginning at begin. If a hook
// rejects the range, Abort is called on the hooks that already accepted
// it and the rejection is returned so the caller aborts before the
// append reaches disk. Must be called while holding mu.
func (c *Consensus) preCommitLocked(begin LogOffset, entries []LogEntry) error {
	for i, h := range c.hooks {
		if err := h.PreCommit(begin, entries); err != nil {
			for _, prior := range c.hooks[:i] {
				prior.Abort(begin)
			}
			return err
		}
	}
	return nil
}

// abortHooksLocked calls Abort on every registered hook, in registration
// order, after a disk append that a successful preCommitLocked call
// preceded has itself failed. Must be called while holding mu.
func (c *Consensus) abortHooksLocked(begin LogOffset) {
	for _, h := range c.hooks {
		h.Abort(begin)
	}
}

// popReadyWaitersLocked removes and returns every waiter channel whose
// offset is now <= newCommit.
func (ls *leaderState) popReadyWaitersLocked(newCommit LogOffset) ([]chan error, bool) {
	if ls == nil || len(ls.waiters) == 0 {
		return nil, false
	}
	var ready []chan error
	for offset, chans := range ls.waiters {
		if offset <= newCommit {
			ready = append(ready, chans...)
			delete(ls.waiters, offset)
		}
	}
	return ready, len(ready) > 0
}

// advanceCommitLocked advances commitOffset to the highest offset N >
// commitOffset such that term_at(N) == currentTerm and a quorum (counting
// self) of match offsets are >= N.
func (c *Consensus) advanceCommitLocked() {
	if c.leader == nil {
		return
	}
	matches := make([]LogOffset, 0, len(c.leader.progress)+1)
	matches = append(matches, c.prevLogOffset) // leader always matches itself
	for _, p := range c.leader.progress {
		matches = append(matches, p.MatchOffset)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := c.cfg.Quorum()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate <= c.commitOffset {
		return
	}
	term, err := c.termAtLocked(candidate)
	if err != nil || term != c.currentTerm {
		// Leaders may only commit entries from their own term directly;
		// prior-term entries commit transitively via a same-term entry.
		return
	}
	old := c.commitOffset
	c.commitOffset = candidate
	c.logger.Commit(uint64(candidate), uint64(term))
	c.invokeHooksLocked(old, candidate)
}

// enter registers one in-flight public operation with the background
// gate, returning ErrStopped once Stop has been called. The returned exit
// function publishes the metadata snapshot read by IsLeader and Meta
// before leaving the gate, so it must be called without holding mu.
func (c *Consensus) enter() (func(), error) {
	exit, err := c.gate.Enter()
	if err != nil {
		return exit, ErrStopped
	}
	return func() {
		c.publishMeta()
		exit()
	}, nil
}

// elapsedSince is a small helper kept distinct from time.Since so tests can
// inject the clock consistently.
func (c *Consensus) elapsedSince(t time.Time) time.Duration {
	return c.conf.Clock.Now().Sub(t)
}
