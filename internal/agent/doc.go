// Package agent tracks registered agents and their liveness.
//
// # Overview
//
// An agent wraps a command-line coding assistant reached either through a
// terminal multiplexer session (tmux) or as a headless process. Agents
// register with an id of their choosing, send periodic heartbeats, and are
// aged by a sweep when heartbeats stop.
//
// # Registry
//
//	reg := agent.NewRegistry(agent.Config{Store: st, Versions: st, Bus: bus})
//
// Key operations:
//
//   - Register(ctx, req): Add an agent and bring it online
//   - Heartbeat(ctx, id): Record liveness, reviving stale or offline agents
//   - Deregister(ctx, id): Remove an agent and free its id
//   - Sweep(ctx): Age agents by time since last heartbeat
//   - Get, List, Status, Online: Read helpers returning snapshots
//
// # State Machine
//
//	registered → online ⇄ stale → offline → online
//	any state → removed (terminal)
//
// Every transition publishes an agent.status event. Registration also
// publishes agent.registered before the first status event.
//
// # Sweep
//
// Run drives Sweep from a ticker. An agent whose last heartbeat is older than
// its interval goes stale; older than OfflineMultiplier intervals goes
// offline. A late sweep applies both steps so the published trace stays a
// valid path. Failures, including panics, are confined to the agent that
// caused them.
//
// # Thread Safety
//
// The id map is guarded by an RWMutex that is only written on register and
// deregister. Each agent has its own mutex, held across the status change and
// its event publication, so transitions for one agent are linearizable and
// their events reach the bus in order.
package agent
