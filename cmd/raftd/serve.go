package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vectorlog/raft/group"
	"github.com/vectorlog/raft/heartbeat"
	"github.com/vectorlog/raft/memlog"
	"github.com/vectorlog/raft/raft"
	"github.com/vectorlog/raft/raft/clock"
	"github.com/vectorlog/raft/transport/rpcgob"
)

func errPeerFormat(entry string) error {
	return errors.Errorf("raftd: --peer %q must be node_id=host:port", entry)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start a raftd node hosting one group",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("node", "", "this node's id (required)")
	flags.String("group", "default", "group id this node joins")
	flags.String("listen", ":7100", "gRPC listen address")
	flags.String("data", "./data", "directory for the durable log and voted_for file")
	flags.StringSlice("peer", nil, "peer in node_id=host:port form, repeatable")

	flags.Duration("raft-election-timeout", 150*time.Millisecond, "base election timeout")
	flags.Duration("raft-heartbeat-interval", 50*time.Millisecond, "leader heartbeat interval")
	flags.Duration("raft-disk-timeout", 2*time.Second, "disk_append deadline")
	flags.Int("raft-replicate-batch-max-bytes", 1<<20, "max bytes per AppendEntries batch")
	flags.String("raft-fsync-mode", "always", "disk_append durability: always|never")

	for _, name := range []string{
		"node", "group", "listen", "data", "peer",
		"raft-election-timeout", "raft-heartbeat-interval", "raft-disk-timeout",
		"raft-replicate-batch-max-bytes", "raft-fsync-mode",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	_ = serveCmd.MarkFlagRequired("node")
}

func runServe(cmd *cobra.Command, args []string) error {
	self := raft.NodeID(viper.GetString("node"))
	groupID := raft.GroupID(viper.GetString("group"))

	peerAddrs, members, err := parsePeers(viper.GetStringSlice("peer"))
	if err != nil {
		return err
	}
	members = append(members, self)

	logPath := viper.GetString("data")
	store, err := memlog.Open(logPath, string(self))
	if err != nil {
		return err
	}

	cache := rpcgob.NewCache(peerAddrs)
	defer cache.Close()

	fsync := raft.FsyncAlways
	if strings.EqualFold(viper.GetString("raft-fsync-mode"), "never") {
		fsync = raft.FsyncNever
	}

	metrics := raft.NewMetrics(nil)
	hb := heartbeat.NewManager(viper.GetDuration("raft-heartbeat-interval"), clock.System{})
	hb.Start()
	defer hb.Stop()

	gm := group.NewManager(self, cache, hb, group.Config{
		Metrics: metrics,
		RaftOptions: []raft.Option{
			raft.WithElectionTimeout(viper.GetDuration("raft-election-timeout")),
			raft.WithHeartbeatInterval(viper.GetDuration("raft-heartbeat-interval")),
			raft.WithDiskTimeout(viper.GetDuration("raft-disk-timeout")),
			raft.WithReplicateBatchMaxBytes(viper.GetInt("raft-replicate-batch-max-bytes")),
			raft.WithFsyncMode(fsync),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consensus, err := gm.StartGroup(ctx, groupID, members, store, logHook{group: groupID})
	if err != nil {
		return err
	}

	gm.RegisterLeadershipNotification(func(status raft.LeadershipStatus) {
		leader := "none"
		if status.CurrentLeader != nil {
			leader = string(*status.CurrentLeader)
		}
		log.Info().Str("group", string(status.Group)).Uint64("term", uint64(status.Term)).Str("leader", leader).Msg("leadership changed")
	})

	server := rpcgob.NewServer()
	server.Register(groupID, consensus)
	go func() {
		if err := server.Serve(viper.GetString("listen")); err != nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	defer server.Stop()

	log.Info().Str("node", string(self)).Str("group", string(groupID)).Str("listen", viper.GetString("listen")).Msg("raftd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return gm.StopAll(stopCtx)
}

// parsePeers splits "node_id=host:port" flags into an address map for
// transport/rpcgob.NewCache and the ordered member list minus self.
func parsePeers(raw []string) (map[raft.NodeID]string, raft.GroupConfiguration, error) {
	addrs := make(map[raft.NodeID]string, len(raw))
	members := make(raft.GroupConfiguration, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, errPeerFormat(entry)
		}
		id := raft.NodeID(parts[0])
		addrs[id] = parts[1]
		members = append(members, id)
	}
	return addrs, members, nil
}
