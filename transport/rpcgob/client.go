package rpcgob

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vectorlog/raft/raft"
)

// Cache is the default raft.ConnCache: a shared pool of gRPC connections
// to peer nodes, grounded on cluster/cluster_client.go's connections map
// (dial-once, reuse, close-on-Close) adapted from a per-cluster client to
// a per-process peer pool addressed by raft.NodeID. Connections are not
// reference-counted: each stays open until Close releases all of them.
type Cache struct {
	mu      sync.Mutex
	addrs   map[raft.NodeID]string
	conns   map[raft.NodeID]*grpc.ClientConn
	dialOpt []grpc.DialOption
}

// NewCache constructs a Cache. addrs maps every peer NodeID this process
// may need to dial to its gRPC listen address.
func NewCache(addrs map[raft.NodeID]string) *Cache {
	return &Cache{
		addrs: addrs,
		conns: make(map[raft.NodeID]*grpc.ClientConn),
		dialOpt: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		},
	}
}

func (c *Cache) connFor(peer raft.NodeID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peer]; ok {
		return conn, nil
	}
	addr, ok := c.addrs[peer]
	if !ok {
		return nil, errUnknownPeer(peer)
	}
	conn, err := grpc.NewClient(addr, c.dialOpt...)
	if err != nil {
		return nil, err
	}
	c.conns[peer] = conn
	return conn, nil
}

// Vote implements raft.ConnCache.
func (c *Cache) Vote(ctx context.Context, peer raft.NodeID, req raft.VoteRequest) (raft.VoteReply, error) {
	conn, err := c.connFor(peer)
	if err != nil {
		return raft.VoteReply{}, err
	}
	var reply raft.VoteReply
	err = conn.Invoke(ctx, "/"+serviceName+"/Vote", req, &reply)
	return reply, err
}

// AppendEntries implements raft.ConnCache.
func (c *Cache) AppendEntries(ctx context.Context, peer raft.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	conn, err := c.connFor(peer)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	var reply raft.AppendEntriesReply
	err = conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, &reply)
	return reply, err
}

// Close releases every cached connection.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for peer, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, peer)
	}
	return first
}

type errUnknownPeerType struct{ peer raft.NodeID }

func (e errUnknownPeerType) Error() string { return "rpcgob: unknown peer " + string(e.peer) }

func errUnknownPeer(peer raft.NodeID) error { return errUnknownPeerType{peer: peer} }
