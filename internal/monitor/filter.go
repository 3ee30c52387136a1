// ABOUTME: Observer filters and the filter command parser for monitoring streams
// ABOUTME: Agent and type filters are independent; an unset filter matches everything

package monitor

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/DeanSCND/kokino/internal/events"
)

// ErrInvalidFilter is returned for a malformed filter command.
var ErrInvalidFilter = errors.New("invalid filter command")

// CommandFilter is the only command observers send.
const CommandFilter = "filter"

// Filter selects events for one subscription. A nil set means "all".
// Filters are values; SetFilter replaces the whole thing.
type Filter struct {
	Agents map[string]struct{}
	Types  map[events.Type]struct{}
}

// Match reports whether ev passes both the agent filter and the type
// filter. An event passes the agent filter if any agent it references is in
// the set.
func (f Filter) Match(ev events.Event) bool {
	if f.Types != nil {
		if _, ok := f.Types[ev.Type]; !ok {
			return false
		}
	}
	if f.Agents == nil {
		return true
	}
	for _, id := range ev.AgentIDs() {
		if _, ok := f.Agents[id]; ok {
			return true
		}
	}
	return false
}

// AgentList returns the agent filter sorted, or nil when unset.
func (f Filter) AgentList() []string {
	if f.Agents == nil {
		return nil
	}
	out := make([]string, 0, len(f.Agents))
	for id := range f.Agents {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// TypeList returns the type filter sorted, or nil when unset.
func (f Filter) TypeList() []string {
	if f.Types == nil {
		return nil
	}
	out := make([]string, 0, len(f.Types))
	for t := range f.Types {
		out = append(out, string(t))
	}
	slices.Sort(out)
	return out
}

// NewFilter builds a Filter from lists. A nil or empty list leaves that
// filter unset.
func NewFilter(agents []string, types []string) Filter {
	var f Filter
	if len(agents) > 0 {
		f.Agents = make(map[string]struct{}, len(agents))
		for _, a := range agents {
			f.Agents[a] = struct{}{}
		}
	}
	if len(types) > 0 {
		f.Types = make(map[events.Type]struct{}, len(types))
		for _, t := range types {
			f.Types[events.Type(t)] = struct{}{}
		}
	}
	return f
}

// ParseFilterCommand parses
//
//	{"command":"filter","agents":[...]|null,"types":[...]|null}
//
// Each of agents and types independently replaces its filter. An absent,
// null or empty list clears that filter back to "all".
func ParseFilterCommand(data []byte) (Filter, error) {
	if !gjson.ValidBytes(data) {
		return Filter{}, fmt.Errorf("%w: malformed JSON", ErrInvalidFilter)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Filter{}, fmt.Errorf("%w: expected an object", ErrInvalidFilter)
	}

	cmd := root.Get("command")
	if cmd.Type != gjson.String {
		return Filter{}, fmt.Errorf("%w: missing command", ErrInvalidFilter)
	}
	if cmd.Str != CommandFilter {
		return Filter{}, fmt.Errorf("%w: unknown command %q", ErrInvalidFilter, cmd.Str)
	}

	agents, err := stringList(root.Get("agents"), "agents")
	if err != nil {
		return Filter{}, err
	}
	types, err := stringList(root.Get("types"), "types")
	if err != nil {
		return Filter{}, err
	}
	return NewFilter(agents, types), nil
}

func stringList(v gjson.Result, field string) ([]string, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: %s must be a list of strings or null", ErrInvalidFilter, field)
	}
	var out []string
	var bad error
	v.ForEach(func(_, item gjson.Result) bool {
		if item.Type != gjson.String || item.Str == "" {
			bad = fmt.Errorf("%w: %s entries must be non-empty strings", ErrInvalidFilter, field)
			return false
		}
		out = append(out, item.Str)
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return out, nil
}
