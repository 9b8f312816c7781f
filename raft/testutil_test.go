package raft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testCluster wires n Consensus instances together over an in-process
// ConnCache double (memNetwork) shared by every node in the cluster.
type testCluster struct {
	nodes []*Consensus
	logs  []*memTestLog
	net   *memNetwork
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	members := make(GroupConfiguration, n)
	for i := range members {
		members[i] = NodeID(testNodeName(i))
	}

	net := newMemNetwork()
	tc := &testCluster{net: net}
	for i := 0; i < n; i++ {
		id := members[i]
		log := newMemTestLog(t)
		cache := net.cacheFor(id)
		c := New(id, "g1", members, log, cache, nil,
			WithElectionTimeout(60*time.Millisecond),
			WithHeartbeatInterval(15*time.Millisecond),
			WithDiskTimeout(time.Second),
		)
		net.register(id, c)
		tc.nodes = append(tc.nodes, c)
		tc.logs = append(tc.logs, log)
	}
	return tc
}

func testNodeName(i int) string {
	return string(rune('a' + i))
}

func (tc *testCluster) startAll(t *testing.T) {
	t.Helper()
	for _, c := range tc.nodes {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("start %s: %v", c.NodeID(), err)
		}
	}
}

func (tc *testCluster) stopAll() {
	for _, c := range tc.nodes {
		_ = c.Stop(context.Background())
	}
}

func (tc *testCluster) countLeaders() int {
	count := 0
	for _, c := range tc.nodes {
		if c.IsLeader() {
			count++
		}
	}
	return count
}

func (tc *testCluster) leader() *Consensus {
	for _, c := range tc.nodes {
		if c.IsLeader() {
			return c
		}
	}
	return nil
}

// waitUntil polls cond every 10ms up to timeout, tolerating slower CI
// hosts without waiting the worst case every time.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return cond()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// memNetwork is a minimal in-process ConnCache fan-out, local to raft's own
// test package so these tests don't import transport/mock (which itself
// depends on raft, and would cycle).
type memNetwork struct {
	mu          sync.RWMutex
	peers       map[NodeID]*Consensus
	partitioned map[NodeID]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{peers: make(map[NodeID]*Consensus), partitioned: make(map[NodeID]bool)}
}

func (n *memNetwork) register(id NodeID, c *Consensus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = c
}

func (n *memNetwork) partition(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = true
}

func (n *memNetwork) heal(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, id)
}

func (n *memNetwork) cacheFor(self NodeID) ConnCache {
	return &memCache{net: n, self: self}
}

type memCache struct {
	net  *memNetwork
	self NodeID
}

func (c *memCache) blocked(peer NodeID) bool {
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	return c.net.partitioned[c.self] || c.net.partitioned[peer]
}

func (c *memCache) Vote(ctx context.Context, peer NodeID, req VoteRequest) (VoteReply, error) {
	if c.blocked(peer) {
		return VoteReply{}, ErrStopped
	}
	c.net.mu.RLock()
	target, ok := c.net.peers[peer]
	c.net.mu.RUnlock()
	if !ok {
		return VoteReply{}, ErrStopped
	}
	return target.Vote(ctx, req)
}

func (c *memCache) AppendEntries(ctx context.Context, peer NodeID, req AppendEntriesRequest) (AppendEntriesReply, error) {
	if c.blocked(peer) {
		return AppendEntriesReply{}, ErrStopped
	}
	c.net.mu.RLock()
	target, ok := c.net.peers[peer]
	c.net.mu.RUnlock()
	if !ok {
		return AppendEntriesReply{}, ErrStopped
	}
	return target.AppendEntries(ctx, req)
}

// memTestLog is a trivial in-memory raft.Log, grounded on memlog.Log's
// contract but backed by a slice instead of a file, so election/replication
// tests don't touch disk.
type memTestLog struct {
	mu             sync.Mutex
	dir            string
	entries        []LogEntry
	failNextAppend bool
}

func newMemTestLog(t *testing.T) *memTestLog {
	t.Helper()
	return &memTestLog{dir: t.TempDir()}
}

func (l *memTestLog) Append(ctx context.Context, entries []LogEntry, mode FsyncMode, timeout time.Duration) ([]AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNextAppend {
		l.failNextAppend = false
		return nil, errors.New("injected disk failure")
	}
	results := make([]AppendResult, 0, len(entries))
	for _, e := range entries {
		l.entries = append(l.entries, e)
		results = append(results, AppendResult{Offset: e.Offset, Term: e.Term})
	}
	return results, nil
}

func (l *memTestLog) Read(ctx context.Context, fromOffset LogOffset, maxBytes int) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	budget := maxBytes
	for _, e := range l.entries {
		if e.Offset < fromOffset {
			continue
		}
		out = append(out, e)
		budget -= len(e.Payload) + 21
		if budget <= 0 {
			break
		}
	}
	return out, nil
}

func (l *memTestLog) TruncateSuffix(ctx context.Context, fromOffset LogOffset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Offset >= fromOffset {
			break
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return nil
}

func (l *memTestLog) LastOffset() LogOffset {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Offset
}

func (l *memTestLog) TermAt(offset LogOffset) (Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Offset == offset {
			return e.Term, nil
		}
	}
	return 0, ErrLogInconsistent
}

func (l *memTestLog) BaseDirectory() string { return l.dir }

func (l *memTestLog) NTP() string { return "test" }
