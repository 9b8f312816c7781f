// Package heartbeat multiplexes periodic leader heartbeats for every
// locally hosted raft.Consensus group over one shared ticker, instead of
// each group running its own timer goroutine. Each tick fans out a
// per-peer goroutine across every registered group's peers, driving each
// through the group's own per-follower replication path.
package heartbeat

import (
	"sync"
	"time"

	"github.com/vectorlog/raft/raft"
	"github.com/vectorlog/raft/raft/clock"
)

// Manager ticks every registered group's leader replication progress,
// triggering one Consensus.Heartbeat call per peer per tick. Consensus
// itself decides whether that call does anything: a non-leader group, a
// peer already in flight, or one with pending entries to piggyback are
// all handled by the same per-follower path Propose uses.
type Manager struct {
	tick  time.Duration
	clock clock.Clock

	mu     sync.RWMutex
	groups map[raft.GroupID]*raft.Consensus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. Call Start to begin ticking.
func NewManager(tick time.Duration, cl clock.Clock) *Manager {
	if cl == nil {
		cl = clock.System{}
	}
	return &Manager{
		tick:   tick,
		clock:  cl,
		groups: make(map[raft.GroupID]*raft.Consensus),
		stopCh: make(chan struct{}),
	}
}

// RegisterGroup adds c to the set of groups heartbeat on every tick.
func (m *Manager) RegisterGroup(c *raft.Consensus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[c.GroupID()] = c
}

// DeregisterGroup removes a group; safe to call even if never registered.
func (m *Manager) DeregisterGroup(g raft.GroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, g)
}

// Start begins the shared ticker goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the ticker goroutine and waits for it to exit. Per-group
// heartbeat goroutines an earlier tick already spawned are not waited for.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	timer := m.clock.NewTimer(m.tick)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C():
			m.tickOnce()
			timer.Reset(m.tick)
		}
	}
}

func (m *Manager) tickOnce() {
	m.mu.RLock()
	groups := make([]*raft.Consensus, 0, len(m.groups))
	for _, c := range m.groups {
		groups = append(groups, c)
	}
	m.mu.RUnlock()

	for _, c := range groups {
		if !c.IsLeader() {
			continue
		}
		go m.heartbeatGroup(c)
	}
}

func (m *Manager) heartbeatGroup(c *raft.Consensus) {
	peers := c.Config()
	self := c.NodeID()

	var wg sync.WaitGroup
	for _, peer := range peers {
		if peer == self {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Heartbeat(peer)
		}()
	}
	wg.Wait()
}
