// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord // keyed by agent ID
	messages map[string]*Message     // keyed by message ID
	versions []*VersionRecord

	// Set these to make the matching write fail.
	SaveAgentErr   error
	SaveMessageErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*AgentRecord),
		messages: make(map[string]*Message),
	}
}

// SaveAgent stores a copy of the agent record.
func (m *MockStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveAgentErr != nil {
		return m.SaveAgentErr
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// UpdateAgentStatus updates status and heartbeat of a stored agent.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastHeartbeat = lastHeartbeat
	a.UpdatedAt = time.Now()
	return nil
}

// GetAgent retrieves a copy of an agent record.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by registration time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].RegisteredAt.Before(result[j].RegisteredAt)
	})
	return result, nil
}

// SaveMessage stores a copy of the message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicateMessage
	}
	c := *msg
	m.messages[c.ID] = &c
	return nil
}

// GetMessage retrieves a copy of a message.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// ListInbox returns messages addressed to agentID after since, oldest first.
func (m *MockStore) ListInbox(ctx context.Context, agentID string, since time.Time, limit int) ([]*Message, error) {
	result := m.filterMessages(func(msg *Message) bool {
		return msg.To == agentID && msg.CreatedAt.After(since) && msg.Outcome != OutcomeRecipientUnknown
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

// ListThreadMessages returns the most recent limit messages of a thread, oldest first.
func (m *MockStore) ListThreadMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	result := m.filterMessages(func(msg *Message) bool {
		return msg.ThreadID != "" && msg.ThreadID == threadID
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[len(result)-n:]
	}
	return result, nil
}

func (m *MockStore) filterMessages(keep func(*Message) bool) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if keep(msg) {
			c := *msg
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// PruneMessages deletes messages created before the cutoff.
func (m *MockStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, msg := range m.messages {
		if msg.CreatedAt.Before(before) {
			delete(m.messages, id)
			n++
		}
	}
	return n, nil
}

// RecordVersion appends to the version log.
func (m *MockStore) RecordVersion(ctx context.Context, rec *VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *rec
	if c.RecordedAt.IsZero() {
		c.RecordedAt = time.Now()
	}
	m.versions = append(m.versions, &c)
	return nil
}

// LatestVersion returns the newest version for the agent and CLI type.
func (m *MockStore) LatestVersion(ctx context.Context, agentID, cliType string) (*VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *VersionRecord
	for _, v := range m.versions {
		if v.AgentID != agentID || v.CLIType != cliType {
			continue
		}
		if latest == nil || !v.RecordedAt.Before(latest.RecordedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

// PruneVersions deletes version entries recorded before the cutoff.
func (m *MockStore) PruneVersions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.versions[:0]
	var n int64
	for _, v := range m.versions {
		if v.RecordedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, v)
	}
	m.versions = kept
	return n, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
