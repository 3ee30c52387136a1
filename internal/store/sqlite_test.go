// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent upserts, message inbox/thread queries, version log and pruning

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.SaveAgent(context.Background(), testAgent("mem-1")))

	got, err := store.GetAgent(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", got.ID)
}

func testAgent(id string) *AgentRecord {
	now := time.Date(2026, 2, 1, 9, 30, 0, 123456789, time.UTC)
	return &AgentRecord{
		ID:                id,
		Type:              "claude-code",
		Mode:              "tmux",
		Status:            "online",
		Metadata:          map[string]any{"cli_type": "claude-code", "workdir": "/tmp/x"},
		HeartbeatInterval: 1500 * time.Millisecond,
		LastHeartbeat:     now,
		RegisteredAt:      now,
		UpdatedAt:         now,
	}
}

func TestSaveAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	agent := testAgent("agent-001")
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	assert.Equal(t, agent.Type, got.Type)
	assert.Equal(t, agent.Mode, got.Mode)
	assert.Equal(t, agent.Status, got.Status)
	assert.Equal(t, agent.HeartbeatInterval, got.HeartbeatInterval)
	assert.True(t, agent.LastHeartbeat.Equal(got.LastHeartbeat), "sub-second precision kept")
	assert.Equal(t, "/tmp/x", got.Metadata["workdir"])
}

func TestSaveAgent_Upsert(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	agent := testAgent("agent-001")
	require.NoError(t, store.SaveAgent(ctx, agent))

	agent.Mode = "headless"
	agent.Status = "registered"
	agent.Metadata = nil
	require.NoError(t, store.SaveAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "agent-001")
	require.NoError(t, err)
	assert.Equal(t, "headless", got.Mode)
	assert.Equal(t, "registered", got.Status)
	assert.Nil(t, got.Metadata)

	all, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaveAgent_RejectsInvalidMode(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	agent := testAgent("agent-001")
	agent.Mode = "daemon"
	assert.Error(t, store.SaveAgent(context.Background(), agent))
}

func TestGetAgent_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetAgent(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAgentStatus(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, testAgent("agent-001")))

	hb := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateAgentStatus(ctx, "agent-001", "stale", hb))

	got, err := store.GetAgent(ctx, "agent-001")
	require.NoError(t, err)
	assert.Equal(t, "stale", got.Status)
	assert.True(t, hb.Equal(got.LastHeartbeat))

	err = store.UpdateAgentStatus(ctx, "missing", "stale", hb)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAgents_Order(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		a := testAgent(id)
		a.RegisteredAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.SaveAgent(ctx, a))
	}

	all, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func testMessage(id, from, to string, at time.Time) *Message {
	return &Message{
		ID:        id,
		From:      from,
		To:        to,
		Payload:   json.RawMessage(`{"text":"hello"}`),
		Outcome:   OutcomeDelivered,
		CreatedAt: at,
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	msg := testMessage("msg-1", "alice", "bob", time.Now().UTC())
	msg.ThreadID = "conv-7"
	msg.Metadata = map[string]any{"thread_id": "conv-7", "cli_version": "1.2.3"}
	require.NoError(t, store.SaveMessage(ctx, msg))

	got, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.To)
	assert.Equal(t, "conv-7", got.ThreadID)
	assert.JSONEq(t, `{"text":"hello"}`, string(got.Payload))
	assert.Equal(t, "1.2.3", got.Metadata["cli_version"])
	assert.Equal(t, OutcomeDelivered, got.Outcome)

	_, err = store.GetMessage(ctx, "msg-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessage_Duplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	msg := testMessage("msg-1", "alice", "bob", time.Now())
	require.NoError(t, store.SaveMessage(ctx, msg))
	assert.ErrorIs(t, store.SaveMessage(ctx, msg), ErrDuplicateMessage)
}

func TestListInbox(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := testMessage(fmt.Sprintf("msg-%d", i), "alice", "bob", base.Add(time.Duration(i)*500*time.Millisecond))
		require.NoError(t, store.SaveMessage(ctx, msg))
	}
	require.NoError(t, store.SaveMessage(ctx, testMessage("other", "alice", "carol", base)))
	unknown := testMessage("unknown", "alice", "bob", base.Add(10*time.Second))
	unknown.Outcome = OutcomeRecipientUnknown
	require.NoError(t, store.SaveMessage(ctx, unknown))

	all, err := store.ListInbox(ctx, "bob", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "msg-0", all[0].ID)
	assert.Equal(t, "msg-4", all[4].ID)

	// since is exclusive and sub-second values compare correctly
	after, err := store.ListInbox(ctx, "bob", base.Add(500*time.Millisecond), 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "msg-2", after[0].ID)
	assert.Equal(t, "msg-3", after[1].ID)
}

func TestListThreadMessages(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = to, from
		}
		msg := testMessage(fmt.Sprintf("msg-%d", i), from, to, base.Add(time.Duration(i)*time.Second))
		msg.ThreadID = "conv-1"
		require.NoError(t, store.SaveMessage(ctx, msg))
	}
	require.NoError(t, store.SaveMessage(ctx, testMessage("loose", "alice", "bob", base)))

	// limit keeps the most recent messages in chronological order
	msgs, err := store.ListThreadMessages(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg-2", msgs[0].ID)
	assert.Equal(t, "msg-4", msgs[2].ID)
	assert.Equal(t, "bob", msgs[1].From)
}

func TestPruneMessages(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveMessage(ctx, testMessage("old", "a", "b", base)))
	require.NoError(t, store.SaveMessage(ctx, testMessage("new", "a", "b", base.Add(time.Hour))))

	n, err := store.PruneMessages(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetMessage(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetMessage(ctx, "new")
	assert.NoError(t, err)
}

func TestVersionLog(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, err := store.LatestVersion(ctx, "agent-1", "claude-code")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordVersion(ctx, &VersionRecord{AgentID: "agent-1", CLIType: "claude-code", Version: "1.0.0", RecordedAt: base}))
	require.NoError(t, store.RecordVersion(ctx, &VersionRecord{AgentID: "agent-1", CLIType: "claude-code", Version: "1.1.0", RecordedAt: base.Add(time.Hour)}))
	require.NoError(t, store.RecordVersion(ctx, &VersionRecord{AgentID: "agent-1", CLIType: "droid", Version: "9.9.9", RecordedAt: base.Add(2 * time.Hour)}))

	latest, err := store.LatestVersion(ctx, "agent-1", "claude-code")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)

	n, err := store.PruneVersions(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err = store.LatestVersion(ctx, "agent-1", "claude-code")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
