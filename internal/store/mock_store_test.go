// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on duplicate detection, ordering and injected failures

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SaveMessage_Duplicate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	msg := testMessage("msg-1", "alice", "bob", time.Now().UTC())
	require.NoError(t, store.SaveMessage(ctx, msg))

	err := store.SaveMessage(ctx, msg)
	assert.ErrorIs(t, err, ErrDuplicateMessage, "second save with the same id should fail like SQLite's primary key")
}

func TestMockStore_InjectedFailures(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	boom := errors.New("disk full")

	store.SaveMessageErr = boom
	assert.ErrorIs(t, store.SaveMessage(ctx, testMessage("m", "a", "b", time.Now())), boom)

	store.SaveAgentErr = boom
	assert.ErrorIs(t, store.SaveAgent(ctx, testAgent("a")), boom)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, testAgent("agent-1")))

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	got.Status = "mutated"

	again, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "online", again.Status)
}

func TestMockStore_InboxMatchesSQLiteOrdering(t *testing.T) {
	mock := NewMockStore()
	sqlite := newTestStore(t)
	defer sqlite.Close()
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*Message{
		testMessage("b", "x", "bob", base),
		testMessage("a", "x", "bob", base),
		testMessage("c", "x", "bob", base.Add(-time.Second)),
	}
	for _, m := range msgs {
		require.NoError(t, mock.SaveMessage(ctx, m))
		require.NoError(t, sqlite.SaveMessage(ctx, m))
	}

	fromMock, err := mock.ListInbox(ctx, "bob", time.Time{}, 10)
	require.NoError(t, err)
	fromSQLite, err := sqlite.ListInbox(ctx, "bob", time.Time{}, 10)
	require.NoError(t, err)

	ids := func(ms []*Message) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.ID
		}
		return out
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids(fromSQLite))
	assert.Equal(t, ids(fromSQLite), ids(fromMock))
}

func TestMockStore_VersionLog(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.RecordVersion(ctx, &VersionRecord{AgentID: "a", CLIType: "t", Version: "1", RecordedAt: base}))
	require.NoError(t, store.RecordVersion(ctx, &VersionRecord{AgentID: "a", CLIType: "t", Version: "2", RecordedAt: base.Add(time.Second)}))

	latest, err := store.LatestVersion(ctx, "a", "t")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)

	n, err := store.PruneVersions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.LatestVersion(ctx, "a", "t")
	assert.ErrorIs(t, err, ErrNotFound)
}
