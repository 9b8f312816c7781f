package raft

import "context"

// ConnCache is the sharded pool of authenticated RPC channels to peer
// nodes: it provides the two peer calls a Consensus instance drives
// elections and replication through. Implementations are shared across
// groups and read-mostly; inject a test double to simulate partitions.
type ConnCache interface {
	Vote(ctx context.Context, peer NodeID, req VoteRequest) (VoteReply, error)
	AppendEntries(ctx context.Context, peer NodeID, req AppendEntriesRequest) (AppendEntriesReply, error)
}
