// Package rlog provides the structured per-group logger used across the
// raft, heartbeat and group packages. It carries a specialized event
// vocabulary (state changes, election outcomes, heartbeats, commits) and
// emits structured zerolog fields instead of formatted strings, so log
// aggregation can filter by group_id/term/node_id.
package rlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger pre-populated with a group's identity.
type Logger struct {
	z zerolog.Logger
}

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// New returns a Logger scoped to the given group and node.
func New(group, node string) *Logger {
	return &Logger{z: base.With().Str("group_id", group).Str("node_id", node).Logger()}
}

func (l *Logger) StateChange(from, to string, term uint64) {
	l.z.Info().Str("from", from).Str("to", to).Uint64("term", term).Msg("state change")
}

func (l *Logger) ElectionStart(term uint64) {
	l.z.Info().Uint64("term", term).Msg("election started")
}

func (l *Logger) ElectionWon(term uint64, votes, needed int) {
	l.z.Info().Uint64("term", term).Int("votes", votes).Int("needed", needed).Msg("election won")
}

func (l *Logger) ElectionLost(term uint64, votes, needed int) {
	l.z.Info().Uint64("term", term).Int("votes", votes).Int("needed", needed).Msg("election lost")
}

func (l *Logger) VoteGranted(candidate string, term uint64) {
	l.z.Info().Str("candidate", candidate).Uint64("term", term).Msg("vote granted")
}

func (l *Logger) VoteDenied(candidate string, term uint64, reason string) {
	l.z.Info().Str("candidate", candidate).Uint64("term", term).Str("reason", reason).Msg("vote denied")
}

func (l *Logger) HeartbeatSent(term uint64, peers int) {
	l.z.Debug().Uint64("term", term).Int("peers", peers).Msg("heartbeat sent")
}

func (l *Logger) HeartbeatReceived(leader string, term uint64) {
	l.z.Debug().Str("leader", leader).Uint64("term", term).Msg("heartbeat received")
}

func (l *Logger) AppendEntries(leader string, term uint64, prevOffset uint64, count int) {
	l.z.Debug().Str("leader", leader).Uint64("term", term).
		Uint64("prev_offset", prevOffset).Int("entries", count).Msg("append entries received")
}

func (l *Logger) Commit(offset, term uint64) {
	l.z.Info().Uint64("offset", offset).Uint64("term", term).Msg("commit advanced")
}

func (l *Logger) StepDown(oldTerm, newTerm uint64) {
	l.z.Info().Uint64("old_term", oldTerm).Uint64("new_term", newTerm).Msg("stepping down")
}

func (l *Logger) ElectionTimeout() {
	l.z.Debug().Msg("election timeout")
}

func (l *Logger) Error(err error, msg string) {
	l.z.Error().Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.z.Info().Msg(msg)
}

func (l *Logger) Debug(msg string) {
	l.z.Debug().Msg(msg)
}
