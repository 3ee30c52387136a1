// ABOUTME: Tests for filter matching and filter command parsing
// ABOUTME: Covers independent set/clear of agent and type filters and malformed commands

package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeanSCND/kokino/internal/events"
)

func TestFilter_Match(t *testing.T) {
	sent := events.Event{Type: events.TypeMessageSent, From: "A", To: "B"}
	status := events.Event{Type: events.TypeAgentStatus, AgentID: "C"}

	tests := []struct {
		name   string
		filter Filter
		ev     events.Event
		want   bool
	}{
		{"empty filter matches all", Filter{}, sent, true},
		{"agent matches sender", NewFilter([]string{"A"}, nil), sent, true},
		{"agent matches recipient", NewFilter([]string{"B"}, nil), sent, true},
		{"agent matches subject", NewFilter([]string{"C"}, nil), status, true},
		{"agent filter excludes others", NewFilter([]string{"C"}, nil), sent, false},
		{"type filter", NewFilter(nil, []string{"agent.status"}), status, true},
		{"type filter excludes", NewFilter(nil, []string{"agent.status"}), sent, false},
		{"both must match", NewFilter([]string{"A"}, []string{"agent.status"}), sent, false},
		{"both match", NewFilter([]string{"A"}, []string{"message.sent"}), sent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.ev))
		})
	}
}

func TestParseFilterCommand(t *testing.T) {
	f, err := ParseFilterCommand([]byte(`{"command":"filter","agents":["b","a"],"types":["message.sent"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, f.AgentList())
	assert.Equal(t, []string{"message.sent"}, f.TypeList())
}

func TestParseFilterCommand_FieldsIndependentlyClearable(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantAgents []string
		wantTypes  []string
	}{
		{"agents only", `{"command":"filter","agents":["A"]}`, []string{"A"}, nil},
		{"types only", `{"command":"filter","types":["agent.status"]}`, nil, []string{"agent.status"}},
		{"null clears", `{"command":"filter","agents":null,"types":null}`, nil, nil},
		{"empty list clears", `{"command":"filter","agents":[],"types":["agent.status"]}`, nil, []string{"agent.status"}},
		{"bare command clears both", `{"command":"filter"}`, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilterCommand([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantAgents, f.AgentList())
			assert.Equal(t, tt.wantTypes, f.TypeList())
		})
	}
}

func TestParseFilterCommand_Invalid(t *testing.T) {
	inputs := []string{
		`not json`,
		`["filter"]`,
		`{"agents":["A"]}`,
		`{"command":"subscribe"}`,
		`{"command":42}`,
		`{"command":"filter","agents":"A"}`,
		`{"command":"filter","agents":[1,2]}`,
		`{"command":"filter","types":[""]}`,
	}

	for _, in := range inputs {
		_, err := ParseFilterCommand([]byte(in))
		assert.True(t, errors.Is(err, ErrInvalidFilter), "input %s: got %v", in, err)
	}
}
