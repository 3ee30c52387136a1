// ABOUTME: Agent identity, communication mode and lifecycle status types
// ABOUTME: Encodes the allowed status transitions of the registry state machine

package agent

import (
	"maps"
	"time"
)

// Mode is how the broker reaches an agent's CLI.
type Mode string

const (
	ModeTmux     Mode = "tmux"
	ModeHeadless Mode = "headless"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTmux || m == ModeHeadless
}

// Status is an agent's lifecycle state.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusOnline     Status = "online"
	StatusStale      Status = "stale"
	StatusOffline    Status = "offline"
	StatusRemoved    Status = "removed"
)

// transitions lists every allowed edge. removed is reachable from any
// non-removed state and has no outgoing edges. Beyond the linear
// registered → online → stale → offline lifecycle, a heartbeat revives a
// stale or offline agent, so offline → online is legal.
var transitions = map[Status][]Status{
	StatusRegistered: {StatusOnline, StatusRemoved},
	StatusOnline:     {StatusStale, StatusRemoved},
	StatusStale:      {StatusOnline, StatusOffline, StatusRemoved},
	StatusOffline:    {StatusOnline, StatusRemoved},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Metadata keys with meaning to the broker.
const (
	MetaCLIType    = "cli_type"
	MetaCLIVersion = "cli_version"
)

// Agent is a point-in-time snapshot of a registered agent. Snapshots are
// copies; changing one does not affect the registry.
type Agent struct {
	ID                string         `json:"agent_id"`
	Type              string         `json:"type"`
	Mode              Mode           `json:"mode"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	HeartbeatInterval time.Duration  `json:"-"`
	LastHeartbeat     time.Time      `json:"last_heartbeat"`
	RegisteredAt      time.Time      `json:"registered_at"`
	Status            Status         `json:"status"`
}

// HeartbeatIntervalMS is the heartbeat interval in milliseconds, the unit
// used on the wire.
func (a *Agent) HeartbeatIntervalMS() int64 {
	return a.HeartbeatInterval.Milliseconds()
}

// CLIType returns the cli_type metadata value, or "".
func (a *Agent) CLIType() string {
	s, _ := a.Metadata[MetaCLIType].(string)
	return s
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	return &c
}

// RegisterRequest carries the fields an agent supplies on registration.
type RegisterRequest struct {
	AgentID           string
	Type              string
	Mode              Mode // empty means tmux
	Metadata          map[string]any
	HeartbeatInterval time.Duration // zero uses the registry default
}
