package raft

import (
	"time"

	"github.com/vectorlog/raft/raft/clock"
)

// Config holds the five tunable replication options plus the dependencies
// a Consensus instance needs injected.
type Config struct {
	// ElectionTimeout is the base election timeout; the run loop jitters
	// it on every reset.
	ElectionTimeout time.Duration

	// HeartbeatInterval is the leader's heartbeat tick. Consensus does not
	// tick on its own (heartbeat.Manager drives the periodic calls); it
	// uses this value to bound each replication RPC at four intervals.
	HeartbeatInterval time.Duration

	// DiskTimeout bounds disk_append.
	DiskTimeout time.Duration

	// ReplicateBatchMaxBytes caps a single replication batch.
	ReplicateBatchMaxBytes int

	// FsyncMode controls disk_append durability.
	FsyncMode FsyncMode

	// Clock is injected for deterministic tests; defaults to clock.System{}.
	Clock clock.Clock
}

// Option mutates a Config at construction time.
type Option func(*Config)

// DefaultConfig returns the 150-300ms election / 50ms heartbeat defaults.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:         150 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		DiskTimeout:             2 * time.Second,
		ReplicateBatchMaxBytes:  1 << 20,
		FsyncMode:               FsyncAlways,
		Clock:                   clock.System{},
	}
}

func WithElectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ElectionTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithDiskTimeout(d time.Duration) Option {
	return func(c *Config) { c.DiskTimeout = d }
}

func WithReplicateBatchMaxBytes(n int) Option {
	return func(c *Config) { c.ReplicateBatchMaxBytes = n }
}

func WithFsyncMode(m FsyncMode) Option {
	return func(c *Config) { c.FsyncMode = m }
}

func WithClock(cl clock.Clock) Option {
	return func(c *Config) { c.Clock = cl }
}
