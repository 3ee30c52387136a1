// ABOUTME: Store interface and record types for kokino broker persistence
// ABOUTME: Defines agent, message and CLI version records and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message id is already stored
var ErrDuplicateMessage = errors.New("message already exists")

// AgentRecord is the persisted form of a registered agent. The in-memory
// registry is authoritative; this record lets operators inspect agents
// across restarts.
type AgentRecord struct {
	ID                string
	Type              string
	Mode              string
	Status            string
	Metadata          map[string]any
	HeartbeatInterval time.Duration
	LastHeartbeat     time.Time
	RegisteredAt      time.Time
	UpdatedAt         time.Time
}

// Message outcome values stored with each message
const (
	OutcomeDelivered        = "delivered"
	OutcomeRecipientUnknown = "recipient-unknown"
	OutcomeRecipientOffline = "recipient-offline"
	OutcomeFailed           = "failed"
)

// Message is one routed message. Payload is opaque JSON.
type Message struct {
	ID        string
	From      string
	To        string
	ThreadID  string // empty when no correlation id was supplied
	Payload   json.RawMessage
	Metadata  map[string]any
	Outcome   string
	CreatedAt time.Time
}

// VersionRecord is one entry of the CLI version log
type VersionRecord struct {
	AgentID    string
	CLIType    string
	Version    string
	RecordedAt time.Time
}

// Store defines the persistence operations used by the registry and router
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, agent *AgentRecord) error
	UpdateAgentStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListInbox(ctx context.Context, agentID string, since time.Time, limit int) ([]*Message, error)
	ListThreadMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)
	PruneMessages(ctx context.Context, before time.Time) (int64, error)

	// CLI version log
	RecordVersion(ctx context.Context, rec *VersionRecord) error
	LatestVersion(ctx context.Context, agentID, cliType string) (*VersionRecord, error)
	PruneVersions(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum page sizes shared by list queries
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
