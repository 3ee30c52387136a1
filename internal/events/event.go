// ABOUTME: Event record published on the bus for every registry and router state change
// ABOUTME: Defines event type tags and the agent references used by observer filters

package events

import "time"

// Type tags an event.
type Type string

const (
	TypeAgentRegistered Type = "agent.registered"
	TypeAgentStatus     Type = "agent.status"
	TypeMessageSent     Type = "message.sent"
)

// KnownTypes lists every event type the broker publishes.
var KnownTypes = []Type{TypeAgentRegistered, TypeAgentStatus, TypeMessageSent}

// Event is an immutable, sequence-numbered record of a state change.
// Seq and Timestamp are assigned by the bus at publication; anything the
// publisher puts there is overwritten. Payload is a snapshot owned by the
// event and must not be modified after Publish.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"` // subject agent of agent.* events
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// References reports whether the event names agentID as its subject,
// sender, or recipient.
func (e Event) References(agentID string) bool {
	return agentID != "" && (e.AgentID == agentID || e.From == agentID || e.To == agentID)
}

// AgentIDs returns the distinct agent ids the event references.
func (e Event) AgentIDs() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{e.AgentID, e.From, e.To} {
		if id == "" {
			continue
		}
		dup := false
		for _, seen := range ids {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsKnownType reports whether t is a type the broker publishes.
func IsKnownType(t Type) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}
