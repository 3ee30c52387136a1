// ABOUTME: Registry of agents with per-agent linearizable status transitions
// ABOUTME: Persists agents, records CLI versions and publishes lifecycle events to the bus

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeanSCND/kokino/internal/clock"
	"github.com/DeanSCND/kokino/internal/events"
	"github.com/DeanSCND/kokino/internal/store"
)

// ErrDuplicateAgent indicates an agent with the same ID is already registered.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrUnknownAgent indicates the specified agent is not registered.
var ErrUnknownAgent = errors.New("agent not registered")

// ErrInvalidAgent indicates a registration request failed validation.
var ErrInvalidAgent = errors.New("invalid agent")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// Publisher receives registry events. *events.Bus implements it.
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// AgentStore persists agent records. *store.SQLiteStore implements it.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *store.AgentRecord) error
	UpdateAgentStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error
}

// VersionRecorder appends to the CLI version log.
type VersionRecorder interface {
	RecordVersion(ctx context.Context, rec *store.VersionRecord) error
}

// Defaults used when Config leaves a field zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultOfflineMultiplier = 3
	DefaultSweepInterval     = 5 * time.Second
)

// Config wires a Registry to its collaborators.
type Config struct {
	Store    AgentStore      // required
	Versions VersionRecorder // optional
	Bus      Publisher       // required
	Clock    clock.Clock     // nil uses real time
	Logger   *slog.Logger

	DefaultHeartbeatInterval time.Duration
	OfflineMultiplier        int
	SweepInterval            time.Duration
}

type entry struct {
	mu      sync.Mutex
	agent   Agent
	removed atomic.Bool
}

// Registry tracks registered agents. The map is guarded by mu and only
// changes on register and deregister; each entry's own mutex serializes
// that agent's transitions and the events they publish. Lock order is
// entry.mu before Registry.mu.
type Registry struct {
	agents map[string]*entry
	mu     sync.RWMutex

	store    AgentStore
	versions VersionRecorder
	bus      Publisher
	clock    clock.Clock
	logger   *slog.Logger

	defaultInterval time.Duration
	multiplier      int
	sweepInterval   time.Duration
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultHeartbeatInterval <= 0 {
		cfg.DefaultHeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.OfflineMultiplier <= 0 {
		cfg.OfflineMultiplier = DefaultOfflineMultiplier
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		agents:          make(map[string]*entry),
		store:           cfg.Store,
		versions:        cfg.Versions,
		bus:             cfg.Bus,
		clock:           cfg.Clock,
		logger:          cfg.Logger.With("component", "registry"),
		defaultInterval: cfg.DefaultHeartbeatInterval,
		multiplier:      cfg.OfflineMultiplier,
		sweepInterval:   cfg.SweepInterval,
	}
}

// Register adds an agent and brings it online.
// Returns ErrDuplicateAgent if a non-removed agent with the same ID exists,
// in which case nothing is published.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidAgent)
	}
	if req.Mode == "" {
		req.Mode = ModeTmux
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidAgent, req.Mode)
	}
	if req.HeartbeatInterval < 0 {
		return nil, fmt.Errorf("%w: negative heartbeat interval", ErrInvalidAgent)
	}
	if req.HeartbeatInterval == 0 {
		req.HeartbeatInterval = r.defaultInterval
	}

	now := r.clock.Now().UTC()
	e := &entry{agent: Agent{
		ID:                req.AgentID,
		Type:              req.Type,
		Mode:              req.Mode,
		Metadata:          maps.Clone(req.Metadata),
		HeartbeatInterval: req.HeartbeatInterval,
		LastHeartbeat:     now,
		RegisteredAt:      now,
		Status:            StatusRegistered,
	}}

	// Hold the new entry before it becomes visible so heartbeats and sweeps
	// for this id wait until it is online.
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if existing, ok := r.agents[req.AgentID]; ok && !existing.removed.Load() {
		r.mu.Unlock()
		return nil, ErrDuplicateAgent
	}
	r.agents[req.AgentID] = e
	total := len(r.agents)
	r.mu.Unlock()

	rec := toRecord(&e.agent)
	rec.Status = string(StatusOnline)
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		r.mu.Lock()
		if r.agents[req.AgentID] == e {
			delete(r.agents, req.AgentID)
		}
		r.mu.Unlock()
		e.agent.Status = StatusRemoved
		e.removed.Store(true)
		return nil, fmt.Errorf("persisting agent: %w", err)
	}

	r.bus.Publish(events.Event{
		Type:    events.TypeAgentRegistered,
		AgentID: e.agent.ID,
		Payload: registeredPayload(&e.agent),
	})
	r.transitionLocked(ctx, e, StatusOnline, "registered", false)

	r.recordVersion(ctx, &e.agent)

	r.logger.Info("agent registered",
		"agent_id", e.agent.ID,
		"type", e.agent.Type,
		"mode", e.agent.Mode,
		"heartbeat_interval", e.agent.HeartbeatInterval,
		"total_agents", total,
	)
	return e.agent.clone(), nil
}

// Heartbeat records a liveness signal. A stale or offline agent comes back
// online and an agent.status event is published.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (*Agent, error) {
	e := r.lookup(agentID)
	if e == nil {
		return nil, ErrUnknownAgent
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.agent.Status == StatusRemoved {
		return nil, ErrUnknownAgent
	}

	e.agent.LastHeartbeat = r.clock.Now().UTC()
	switch e.agent.Status {
	case StatusStale, StatusOffline:
		r.transitionLocked(ctx, e, StatusOnline, "heartbeat", true)
	default:
		r.persistStatusLocked(ctx, e)
	}
	return e.agent.clone(), nil
}

// Deregister marks an agent removed and frees its id for reuse.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	e := r.lookup(agentID)
	if e == nil {
		return ErrUnknownAgent
	}

	e.mu.Lock()
	if e.agent.Status == StatusRemoved {
		e.mu.Unlock()
		return ErrUnknownAgent
	}
	r.transitionLocked(ctx, e, StatusRemoved, "deregistered", true)
	e.removed.Store(true)
	e.mu.Unlock()

	r.mu.Lock()
	if r.agents[agentID] == e {
		delete(r.agents, agentID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent deregistered", "agent_id", agentID, "total_agents", total)
	return nil
}

// Get returns a snapshot of an agent.
func (r *Registry) Get(agentID string) (*Agent, error) {
	e := r.lookup(agentID)
	if e == nil {
		return nil, ErrUnknownAgent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent.Status == StatusRemoved {
		return nil, ErrUnknownAgent
	}
	return e.agent.clone(), nil
}

// Status returns an agent's current status.
func (r *Registry) Status(agentID string) (Status, error) {
	a, err := r.Get(agentID)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Online reports whether the agent is registered and online.
func (r *Registry) Online(agentID string) bool {
	s, err := r.Status(agentID)
	return err == nil && s == StatusOnline
}

// List returns snapshots of every non-removed agent ordered by registration.
func (r *Registry) List() []*Agent {
	agents := make([]*Agent, 0)
	for _, e := range r.snapshot() {
		e.mu.Lock()
		if e.agent.Status != StatusRemoved {
			agents = append(agents, e.agent.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents
}

// Count returns the number of non-removed agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) lookup(agentID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	return entries
}

// transitionLocked moves e to status `to`, publishes agent.status and, when
// persist is set, writes the new status. Must be called with e.mu held.
func (r *Registry) transitionLocked(ctx context.Context, e *entry, to Status, reason string, persist bool) error {
	from := e.agent.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, e.agent.ID)
	}
	e.agent.Status = to

	r.bus.Publish(events.Event{
		Type:    events.TypeAgentStatus,
		AgentID: e.agent.ID,
		Payload: map[string]any{
			"status":          string(to),
			"previous_status": string(from),
			"reason":          reason,
			"last_heartbeat":  e.agent.LastHeartbeat.Format(time.RFC3339Nano),
		},
	})

	if persist {
		r.persistStatusLocked(ctx, e)
	}
	r.logger.Debug("agent status changed", "agent_id", e.agent.ID, "from", from, "to", to, "reason", reason)
	return nil
}

// persistStatusLocked writes status and heartbeat. Errors are logged only;
// the in-memory registry is authoritative.
func (r *Registry) persistStatusLocked(ctx context.Context, e *entry) {
	err := r.store.UpdateAgentStatus(ctx, e.agent.ID, string(e.agent.Status), e.agent.LastHeartbeat)
	if err != nil {
		r.logger.Warn("failed to persist agent status", "agent_id", e.agent.ID, "status", e.agent.Status, "error", err)
	}
}

func (r *Registry) recordVersion(ctx context.Context, a *Agent) {
	if r.versions == nil {
		return
	}
	cliType := a.CLIType()
	version, _ := a.Metadata[MetaCLIVersion].(string)
	if cliType == "" || version == "" {
		return
	}
	err := r.versions.RecordVersion(ctx, &store.VersionRecord{
		AgentID:    a.ID,
		CLIType:    cliType,
		Version:    version,
		RecordedAt: a.RegisteredAt,
	})
	if err != nil {
		r.logger.Warn("failed to record cli version", "agent_id", a.ID, "cli_type", cliType, "error", err)
	}
}

func registeredPayload(a *Agent) map[string]any {
	p := map[string]any{
		"type":                  a.Type,
		"mode":                  string(a.Mode),
		"heartbeat_interval_ms": a.HeartbeatIntervalMS(),
	}
	if len(a.Metadata) > 0 {
		p["metadata"] = maps.Clone(a.Metadata)
	}
	return p
}

func toRecord(a *Agent) *store.AgentRecord {
	return &store.AgentRecord{
		ID:                a.ID,
		Type:              a.Type,
		Mode:              string(a.Mode),
		Status:            string(a.Status),
		Metadata:          a.Metadata,
		HeartbeatInterval: a.HeartbeatInterval,
		LastHeartbeat:     a.LastHeartbeat,
		RegisteredAt:      a.RegisteredAt,
		UpdatedAt:         a.RegisteredAt,
	}
}
