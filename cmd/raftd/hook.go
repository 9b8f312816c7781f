package main

import (
	"github.com/rs/zerolog/log"

	"github.com/vectorlog/raft/raft"
)

// logHook is the demo daemon's CommitHook: it has no key-value engine to
// apply entries to (storage/* was dropped, see DESIGN.md), so it simply
// logs commit advancement. A real deployment would register its own hook
// applying entries to whatever state machine it owns.
type logHook struct {
	group raft.GroupID
}

func (h logHook) PreCommit(begin raft.LogOffset, entries []raft.LogEntry) error {
	log.Debug().Str("group", string(h.group)).Uint64("begin", uint64(begin)).Int("count", len(entries)).Msg("pre-commit")
	return nil
}

func (h logHook) Abort(begin raft.LogOffset) {
	log.Warn().Str("group", string(h.group)).Uint64("begin", uint64(begin)).Msg("append aborted")
}

func (h logHook) Commit(begin, committed raft.LogOffset) {
	log.Info().Str("group", string(h.group)).Uint64("begin", uint64(begin)).Uint64("committed", uint64(committed)).Msg("committed")
}
