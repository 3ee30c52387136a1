// ABOUTME: Periodic liveness sweep that ages agents from online to stale to offline
// ABOUTME: Runs on its own ticker; each agent is evaluated in isolation

package agent

import (
	"context"
	"fmt"
	"time"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked     int
	Transitions int
	Failures    int
}

// Sweep re-evaluates every agent against the current time. An agent whose
// heartbeat is older than its interval goes online → stale; older than the
// offline multiple goes stale → offline. A delayed sweep performs both steps
// in order. Agents already in their target state are left alone.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	now := r.clock.Now()
	var res SweepResult
	for _, e := range r.snapshot() {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		n, err := r.sweepOne(ctx, e, now)
		res.Transitions += n
		if err != nil {
			res.Failures++
			r.logger.Error("sweep failed for agent", "agent_id", e.id(), "error", err)
		}
	}
	if res.Transitions > 0 || res.Failures > 0 {
		r.logger.Debug("sweep complete", "checked", res.Checked, "transitions", res.Transitions, "failures", res.Failures)
	}
	return res
}

func (r *Registry) sweepOne(ctx context.Context, e *entry, now time.Time) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during sweep: %v", p)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	a := &e.agent
	if a.Status == StatusRemoved || a.Status == StatusRegistered {
		return 0, nil
	}
	if a.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("invalid heartbeat interval %v", a.HeartbeatInterval)
	}

	elapsed := now.Sub(a.LastHeartbeat)
	if a.Status == StatusOnline && elapsed > a.HeartbeatInterval {
		if err := r.transitionLocked(ctx, e, StatusStale, "heartbeat timeout", true); err != nil {
			return n, err
		}
		n++
	}
	if a.Status == StatusStale && elapsed > time.Duration(r.multiplier)*a.HeartbeatInterval {
		if err := r.transitionLocked(ctx, e, StatusOffline, "heartbeat timeout", true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("sweep loop started", "interval", r.sweepInterval, "offline_multiplier", r.multiplier)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("sweep loop stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// id reads the agent id without the entry lock; ids never change.
func (e *entry) id() string {
	return e.agent.ID
}
