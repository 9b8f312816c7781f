package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vectorlog/raft/heartbeat"
	"github.com/vectorlog/raft/raft"
	"github.com/vectorlog/raft/raft/clock"
)

// fakeLog is a minimal in-memory raft.Log, grounded on memlog.Log's
// contract, kept local to this package's tests to avoid a test-only
// dependency on memlog.
type fakeLog struct {
	mu      sync.Mutex
	dir     string
	entries []raft.LogEntry
}

func newFakeLog(t *testing.T) *fakeLog {
	t.Helper()
	return &fakeLog{dir: t.TempDir()}
}

func (l *fakeLog) Append(ctx context.Context, entries []raft.LogEntry, mode raft.FsyncMode, timeout time.Duration) ([]raft.AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	results := make([]raft.AppendResult, 0, len(entries))
	for _, e := range entries {
		l.entries = append(l.entries, e)
		results = append(results, raft.AppendResult{Offset: e.Offset, Term: e.Term})
	}
	return results, nil
}

func (l *fakeLog) Read(ctx context.Context, fromOffset raft.LogOffset, maxBytes int) ([]raft.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []raft.LogEntry
	for _, e := range l.entries {
		if e.Offset >= fromOffset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLog) TruncateSuffix(ctx context.Context, fromOffset raft.LogOffset) error {
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

func (l *fakeLog) LastOffset() raft.LogOffset {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Offset
}

func (l *fakeLog) TermAt(offset raft.LogOffset) (raft.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Offset == offset {
			return e.Term, nil
		}
	}
	return 0, raft.ErrLogInconsistent
}

func (l *fakeLog) BaseDirectory() string { return l.dir }
func (l *fakeLog) NTP() string           { return "test" }

// noopCache never reaches a peer; sufficient for single-node groups, which
// become leader without needing to contact anyone.
type noopCache struct{}

func (noopCache) Vote(ctx context.Context, peer raft.NodeID, req raft.VoteRequest) (raft.VoteReply, error) {
	return raft.VoteReply{}, raft.ErrStopped
}

func (noopCache) AppendEntries(ctx context.Context, peer raft.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	return raft.AppendEntriesReply{}, raft.ErrStopped
}

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

// newTestManager leaves the heartbeat manager unstarted: these single-node
// groups have no peers to heartbeat, and a running ticker goroutine would
// still be alive when each test's deferred goleak.VerifyNone runs, since
// t.Cleanup functions run only after the test's defers.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hb := heartbeat.NewManager(20*time.Millisecond, clock.System{})
	t.Cleanup(hb.Stop)
	return NewManager("self", noopCache{}, hb, Config{})
}

func TestStartGroupElectsSingleNodeLeaderAndStopGroupTearsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	members := raft.GroupConfiguration{"self"}
	c, err := m.StartGroup(context.Background(), "g1", members, newFakeLog(t), nil)
	if err != nil {
		t.Fatalf("start group: %v", err)
	}

	if !waitUntil(2*time.Second, c.IsLeader) {
		t.Fatal("single-node group never became leader")
	}

	if err := m.StopGroup(context.Background(), c); err != nil {
		t.Fatalf("stop group: %v", err)
	}
}

func TestStopGroupOnUnmanagedConsensusReturnsErrUnknownGroup(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	stray := raft.New("x", "stray", raft.GroupConfiguration{"x"}, newFakeLog(t), noopCache{}, nil)

	if err := m.StopGroup(context.Background(), stray); err != ErrUnknownGroup {
		t.Errorf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestStopAllStopsEveryManagedGroup(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	var started []*raft.Consensus
	for _, id := range []raft.GroupID{"g1", "g2", "g3"} {
		members := raft.GroupConfiguration{"self"}
		c, err := m.StartGroup(context.Background(), id, members, newFakeLog(t), nil)
		if err != nil {
			t.Fatalf("start group %s: %v", id, err)
		}
		started = append(started, c)
	}

	for _, c := range started {
		if !waitUntil(2*time.Second, c.IsLeader) {
			t.Fatalf("group %s never became leader", c.GroupID())
		}
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}

	if err := m.StopGroup(context.Background(), started[0]); err != ErrUnknownGroup {
		t.Errorf("expected group to already be removed after StopAll, got %v", err)
	}
}

func TestRegisterAndUnregisterLeadershipNotification(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	var mu sync.Mutex
	var received []raft.LeadershipStatus
	id := m.RegisterLeadershipNotification(func(s raft.LeadershipStatus) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, s)
	})

	c, err := m.StartGroup(context.Background(), "g1", raft.GroupConfiguration{"self"}, newFakeLog(t), nil)
	if err != nil {
		t.Fatalf("start group: %v", err)
	}

	if !waitUntil(2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}) {
		t.Fatal("subscriber never received a leadership notification")
	}

	m.UnregisterLeadershipNotification(id)
	mu.Lock()
	countAfterUnregister := len(received)
	mu.Unlock()

	if err := m.StopGroup(context.Background(), c); err != nil {
		t.Fatalf("stop group: %v", err)
	}

	// Give any stray notification a chance to land before asserting it didn't.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != countAfterUnregister {
		t.Errorf("expected no further notifications after unregistering, got %d new", len(received)-countAfterUnregister)
	}
}
