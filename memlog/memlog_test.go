package memlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorlog/raft/raft"
)

func TestAppendReadRoundTrip(t *testing.T) {
	l, err := Open(t.TempDir(), "n1")
	require.NoError(t, err)

	entries := []raft.LogEntry{
		{Term: 1, Offset: 1, Kind: raft.EntryData, Payload: []byte("one")},
		{Term: 1, Offset: 2, Kind: raft.EntryData, Payload: []byte("two")},
		{Term: 2, Offset: 3, Kind: raft.EntryData, Payload: []byte("three")},
	}
	results, err := l.Append(context.Background(), entries, raft.FsyncNever, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, raft.LogOffset(3), l.LastOffset())

	got, err := l.Read(context.Background(), 1, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range entries {
		assert.Equal(t, e.Term, got[i].Term)
		assert.Equal(t, e.Offset, got[i].Offset)
		assert.Equal(t, e.Payload, got[i].Payload)
	}
}

func TestReadFromMidLog(t *testing.T) {
	l, err := Open(t.TempDir(), "n1")
	require.NoError(t, err)

	_, err = l.Append(context.Background(), []raft.LogEntry{
		{Term: 1, Offset: 1, Kind: raft.EntryData, Payload: []byte("one")},
		{Term: 1, Offset: 2, Kind: raft.EntryData, Payload: []byte("two")},
		{Term: 1, Offset: 3, Kind: raft.EntryData, Payload: []byte("three")},
	}, raft.FsyncNever, time.Second)
	require.NoError(t, err)

	got, err := l.Read(context.Background(), 2, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, raft.LogOffset(2), got[0].Offset)
	assert.Equal(t, raft.LogOffset(3), got[1].Offset)
}

func TestTruncateSuffixDropsEntriesAndReopensForAppend(t *testing.T) {
	l, err := Open(t.TempDir(), "n1")
	require.NoError(t, err)

	_, err = l.Append(context.Background(), []raft.LogEntry{
		{Term: 1, Offset: 1, Kind: raft.EntryData, Payload: []byte("one")},
		{Term: 1, Offset: 2, Kind: raft.EntryData, Payload: []byte("two")},
		{Term: 1, Offset: 3, Kind: raft.EntryData, Payload: []byte("three")},
	}, raft.FsyncAlways, time.Second)
	require.NoError(t, err)

	require.NoError(t, l.TruncateSuffix(context.Background(), 2))
	assert.Equal(t, raft.LogOffset(1), l.LastOffset())

	_, err = l.Append(context.Background(), []raft.LogEntry{
		{Term: 2, Offset: 2, Kind: raft.EntryData, Payload: []byte("two-v2")},
	}, raft.FsyncAlways, time.Second)
	require.NoError(t, err)

	got, err := l.Read(context.Background(), 1, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("one"), got[0].Payload)
	assert.Equal(t, []byte("two-v2"), got[1].Payload)
}

func TestTermAtUnknownOffsetErrors(t *testing.T) {
	l, err := Open(t.TempDir(), "n1")
	require.NoError(t, err)

	_, err = l.TermAt(5)
	assert.Error(t, err)
}

func TestTermAtKnownOffset(t *testing.T) {
	l, err := Open(t.TempDir(), "n1")
	require.NoError(t, err)

	_, err = l.Append(context.Background(), []raft.LogEntry{
		{Term: 3, Offset: 1, Kind: raft.EntryData, Payload: []byte("x")},
	}, raft.FsyncNever, time.Second)
	require.NoError(t, err)

	term, err := l.TermAt(1)
	require.NoError(t, err)
	assert.Equal(t, raft.Term(3), term)
}

func TestOpenReplaysExistingEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "n1")
	require.NoError(t, err)
	_, err = l.Append(context.Background(), []raft.LogEntry{
		{Term: 1, Offset: 1, Kind: raft.EntryData, Payload: []byte("persisted")},
	}, raft.FsyncAlways, time.Second)
	require.NoError(t, err)

	reopened, err := Open(dir, "n1")
	require.NoError(t, err)
	assert.Equal(t, raft.LogOffset(1), reopened.LastOffset())

	got, err := reopened.Read(context.Background(), 1, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("persisted"), got[0].Payload)
}
