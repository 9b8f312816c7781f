// Package group is the process-wide lifecycle owner for locally hosted
// raft.Consensus groups: it starts and stops them, wires each into a
// shared heartbeat.Manager, and fans out leadership changes to whoever
// subscribed. The managed set is a map behind an RWMutex with
// register/unregister and existence checks, and StartGroup/StopGroup
// mirror a construct-then-start, stop-then-discard lifecycle pairing.
package group

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vectorlog/raft/heartbeat"
	"github.com/vectorlog/raft/raft"
	"github.com/vectorlog/raft/raft/internal/rlog"
)

// ErrUnknownGroup is returned by StopGroup for a Consensus this Manager
// did not start.
var ErrUnknownGroup = errors.New("group: not managed by this manager")

// LeadershipCallback receives every leadership change across every group
// this Manager hosts.
type LeadershipCallback func(raft.LeadershipStatus)

type groupEntry struct {
	consensus *raft.Consensus
	notify    chan raft.LeadershipStatus
}

// Config holds the pieces every group started by a Manager shares: the
// Prometheus metrics set they all publish to (grouped by group_id label)
// and the raft.Option template applied to each new raft.Consensus.
type Config struct {
	Metrics     *raft.Metrics
	RaftOptions []raft.Option
}

// Manager owns every raft.Consensus this process currently hosts,
// registering each with a shared heartbeat.Manager and forwarding
// leadership changes to subscribers.
type Manager struct {
	self  raft.NodeID
	cache raft.ConnCache
	hb    *heartbeat.Manager
	cfg   Config

	logger *rlog.Logger

	mu     sync.RWMutex
	groups map[raft.GroupID]*groupEntry

	subMu sync.RWMutex
	subs  map[uuid.UUID]LeadershipCallback
}

// NewManager constructs a Manager. hb must already be Start()ed by the
// caller; Manager only Register/Deregisters groups with it.
func NewManager(self raft.NodeID, cache raft.ConnCache, hb *heartbeat.Manager, cfg Config) *Manager {
	return &Manager{
		self:   self,
		cache:  cache,
		hb:     hb,
		cfg:    cfg,
		logger: rlog.New("manager", string(self)),
		groups: make(map[raft.GroupID]*groupEntry),
		subs:   make(map[uuid.UUID]LeadershipCallback),
	}
}

// StartGroup constructs, starts and registers a new raft.Consensus for
// id, backed by log and driving hook on every commit. One of potentially
// many groups sharing this process's ConnCache and heartbeat.Manager.
func (m *Manager) StartGroup(ctx context.Context, id raft.GroupID, nodes raft.GroupConfiguration, log raft.Log, hook raft.CommitHook) (*raft.Consensus, error) {
	c := raft.New(m.self, id, nodes, log, m.cache, m.cfg.Metrics, m.cfg.RaftOptions...)
	if hook != nil {
		c.RegisterHook(hook)
	}

	notify := make(chan raft.LeadershipStatus, 8)
	c.SetLeadershipNotifier(notify)
	go m.forward(notify)

	if err := c.Start(ctx); err != nil {
		close(notify)
		return nil, errors.Wrapf(err, "group %s: start", id)
	}

	m.mu.Lock()
	m.groups[id] = &groupEntry{consensus: c, notify: notify}
	m.mu.Unlock()

	m.hb.RegisterGroup(c)
	m.logger.Info("group started: " + string(id))
	return c, nil
}

// StopGroup stops c and removes it from both this Manager and its
// heartbeat.Manager. Returns ErrUnknownGroup if c was not started by this
// Manager. The managed entry is only erased after c.Stop has returned and
// c has been deregistered, so a concurrent StartGroup for the same id can
// never install a second live Consensus while this one is still tearing
// down; the erase happens even if Stop returned an error.
func (m *Manager) StopGroup(ctx context.Context, c *raft.Consensus) error {
	group := c.GroupID()

	m.mu.RLock()
	entry, ok := m.groups[group]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownGroup
	}

	stopErr := c.Stop(ctx)
	m.hb.DeregisterGroup(group)

	m.mu.Lock()
	delete(m.groups, group)
	m.mu.Unlock()
	close(entry.notify)

	if stopErr != nil {
		return errors.Wrapf(stopErr, "group %s: stop", group)
	}
	m.logger.Info("group stopped: " + string(group))
	return nil
}

// StopAll stops every group this Manager currently hosts, aggregating any
// errors with go-multierror instead of abandoning the sweep on the first
// failure: a daemon shutting down must not leave sibling groups running
// because one failed to stop cleanly.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	groups := make([]*raft.Consensus, 0, len(m.groups))
	for _, entry := range m.groups {
		groups = append(groups, entry.consensus)
	}
	m.mu.RUnlock()

	var result *multierror.Error
	for _, c := range groups {
		if err := m.StopGroup(ctx, c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// RegisterLeadershipNotification subscribes cb to every leadership change
// across every group this Manager hosts, returning a uuid.UUID handle for
// UnregisterLeadershipNotification. A random id avoids collisions across
// concurrently registered groups.
func (m *Manager) RegisterLeadershipNotification(cb LeadershipCallback) uuid.UUID {
	id := uuid.New()
	m.subMu.Lock()
	m.subs[id] = cb
	m.subMu.Unlock()
	return id
}

// UnregisterLeadershipNotification removes a subscription. Safe to call
// even if id was never registered or already removed.
func (m *Manager) UnregisterLeadershipNotification(id uuid.UUID) {
	m.subMu.Lock()
	delete(m.subs, id)
	m.subMu.Unlock()
}

func (m *Manager) forward(notify <-chan raft.LeadershipStatus) {
	for status := range notify {
		m.subMu.RLock()
		cbs := make([]LeadershipCallback, 0, len(m.subs))
		for _, cb := range m.subs {
			cbs = append(cbs, cb)
		}
		m.subMu.RUnlock()
		for _, cb := range cbs {
			cb(status)
		}
	}
}
