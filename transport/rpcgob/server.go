package rpcgob

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/vectorlog/raft/raft"
)

// ErrUnknownGroup is returned for an RPC addressed to a group this process
// does not host.
var ErrUnknownGroup = errors.New("rpcgob: unknown group")

// consensusHandle is the subset of *raft.Consensus the server needs,
// named so tests can substitute a fake.
type consensusHandle interface {
	Vote(ctx context.Context, req raft.VoteRequest) (raft.VoteReply, error)
	AppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error)
}

// Server is the process-wide gRPC listener fronting every locally hosted
// raft.Consensus instance. Grounded on server/grpc_server.go's
// listen/serve/register shape, generalized from one fixed KVStore service
// to a dynamic registry of groups (mirroring group.Manager's lifecycle).
type Server struct {
	mu     sync.RWMutex
	groups map[raft.GroupID]consensusHandle

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer constructs a Server; call Serve to start accepting.
func NewServer() *Server {
	s := &Server{groups: make(map[raft.GroupID]consensusHandle)}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Register makes group's RPCs routable through this server.
func (s *Server) Register(group raft.GroupID, c consensusHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = c
}

// Unregister stops routing RPCs for group.
func (s *Server) Unregister(group raft.GroupID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
}

// Serve listens on address and blocks until the server is stopped.
func (s *Server) Serve(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "rpcgob: listen")
	}
	s.listener = lis
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Vote implements PeerServer, dispatching to the addressed group.
func (s *Server) Vote(ctx context.Context, req raft.VoteRequest) (raft.VoteReply, error) {
	c, err := s.lookup(req.Group)
	if err != nil {
		return raft.VoteReply{}, err
	}
	return c.Vote(ctx, req)
}

// AppendEntries implements PeerServer, dispatching to the addressed group.
func (s *Server) AppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	c, err := s.lookup(req.Group)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return c.AppendEntries(ctx, req)
}

func (s *Server) lookup(group raft.GroupID) (consensusHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.groups[group]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return c, nil
}
