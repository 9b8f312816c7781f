package rpcgob

import (
	"context"

	"google.golang.org/grpc"

	"github.com/vectorlog/raft/raft"
)

// serviceName and method names form the gRPC route; since there is no
// .proto file, they are hand-picked to match the package/method layout a
// generated stub would have used.
const serviceName = "vectorlog.raft.Peer"

// PeerServer is the interface a gRPC server handler dispatches into. A
// raft.Consensus only has Vote/AppendEntries, so this is the minimal
// surface rpcgob needs; transport/rpcgob/server.go's registry implements
// it by looking up a Consensus by raft.GroupID per request.
type PeerServer interface {
	Vote(ctx context.Context, req raft.VoteRequest) (raft.VoteReply, error)
	AppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error)
}

func voteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req raft.VoteRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Vote(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Vote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Vote(ctx, req.(raft.VoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req raft.AppendEntriesRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).AppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).AppendEntries(ctx, req.(raft.AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is hand-built in place of protoc-gen-go-grpc output (see
// codec.go's package doc): it wires the two peer RPCs to their handlers
// over the gob codec registered in codec.go's init.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcgob/service.go",
}
