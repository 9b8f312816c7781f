// Package mock is an in-process raft.ConnCache double used by tests to
// simulate network partitions: every call to or from a partitioned node
// fails. It does not delay or reorder calls; delivered calls run
// synchronously in the caller's goroutine.
package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vectorlog/raft/raft"
)

// ErrPartitioned is returned for any call to a partitioned peer.
var ErrPartitioned = errors.New("mock: peer partitioned")

// Network wires a fixed set of raft.ConnCache peers (one per node) so that
// tests can route RPCs directly between in-memory Consensus instances
// without a real gRPC transport.
type Network struct {
	mu          sync.RWMutex
	peers       map[raft.NodeID]PeerServer
	partitioned map[raft.NodeID]bool
}

// PeerServer is the receiving side a Network delivers calls to — normally
// a *raft.Consensus.
type PeerServer interface {
	Vote(ctx context.Context, req raft.VoteRequest) (raft.VoteReply, error)
	AppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error)
}

// NewNetwork constructs an empty Network.
func NewNetwork() *Network {
	return &Network{
		peers:       make(map[raft.NodeID]PeerServer),
		partitioned: make(map[raft.NodeID]bool),
	}
}

// Register makes id reachable as a call destination.
func (n *Network) Register(id raft.NodeID, srv PeerServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = srv
}

// Partition marks id as unreachable: both calls to and from id fail with
// ErrPartitioned until Heal is called.
func (n *Network) Partition(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = true
}

// Heal clears a previously set Partition.
func (n *Network) Heal(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, id)
}

// CacheFor returns a raft.ConnCache view of the network as seen by self:
// calls originating from a partitioned self, or addressed to a
// partitioned peer, fail.
func (n *Network) CacheFor(self raft.NodeID) raft.ConnCache {
	return &cache{net: n, self: self}
}

type cache struct {
	net  *Network
	self raft.NodeID
}

func (c *cache) blocked(peer raft.NodeID) bool {
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	return c.net.partitioned[c.self] || c.net.partitioned[peer]
}

func (c *cache) Vote(ctx context.Context, peer raft.NodeID, req raft.VoteRequest) (raft.VoteReply, error) {
	if c.blocked(peer) {
		return raft.VoteReply{}, ErrPartitioned
	}
	c.net.mu.RLock()
	srv, ok := c.net.peers[peer]
	c.net.mu.RUnlock()
	if !ok {
		return raft.VoteReply{}, errors.Errorf("mock: unknown peer %s", peer)
	}
	return srv.Vote(ctx, req)
}

func (c *cache) AppendEntries(ctx context.Context, peer raft.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	if c.blocked(peer) {
		return raft.AppendEntriesReply{}, ErrPartitioned
	}
	c.net.mu.RLock()
	srv, ok := c.net.peers[peer]
	c.net.mu.RUnlock()
	if !ok {
		return raft.AppendEntriesReply{}, errors.Errorf("mock: unknown peer %s", peer)
	}
	return srv.AppendEntries(ctx, req)
}
