// ABOUTME: Ordered in-memory event log with per-reader cursors
// ABOUTME: Publish assigns gap-free sequence numbers and never waits on readers

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/DeanSCND/kokino/internal/clock"
)

var (
	// ErrCursorEvicted is returned when a cursor's next event has already
	// been evicted from the retained log.
	ErrCursorEvicted = errors.New("cursor fell behind event retention")

	// ErrBusClosed is returned by cursors once the bus is closed.
	ErrBusClosed = errors.New("event bus closed")
)

const (
	// DefaultRetentionCount bounds the log when no count is configured.
	DefaultRetentionCount = 10_000
)

// Config bounds the retained log. Eviction is FIFO beyond either bound.
type Config struct {
	RetentionCount    int           // maximum retained events; <= 0 uses DefaultRetentionCount
	RetentionDuration time.Duration // maximum event age; 0 disables age eviction
}

// Bus is the single serialization point for event ordering. Publishers
// append under one mutex; readers follow with Cursors and are woken through
// a broadcast channel that is closed and replaced on every publish.
type Bus struct {
	mu      sync.Mutex
	log     []Event
	lastSeq uint64
	wake    chan struct{}
	closed  bool

	maxCount int
	maxAge   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewBus creates a Bus. Pass nil clock for real time and nil logger for default.
func NewBus(cfg Config, clk clock.Clock, logger *slog.Logger) *Bus {
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:      make([]Event, 0, 64),
		wake:     make(chan struct{}),
		maxCount: cfg.RetentionCount,
		maxAge:   cfg.RetentionDuration,
		clock:    clk,
		logger:   logger.With("component", "event-bus"),
	}
}

// Publish appends ev with the next sequence number and current timestamp
// and returns the stored event. After Close, events are dropped and returned
// with Seq 0.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("publish after close dropped", "type", ev.Type, "agent_id", ev.AgentID)
		ev.Seq = 0
		return ev
	}

	b.lastSeq++
	ev.Seq = b.lastSeq
	ev.Timestamp = b.clock.Now().UTC()
	b.log = append(b.log, ev)
	b.evictLocked(ev.Timestamp)

	wake := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	return ev
}

// evictLocked drops events beyond the count and age bounds. Must be called
// with mu held.
func (b *Bus) evictLocked(now time.Time) {
	n := 0
	if over := len(b.log) - b.maxCount; over > 0 {
		n = over
	}
	if b.maxAge > 0 {
		for n < len(b.log)-1 && now.Sub(b.log[n].Timestamp) > b.maxAge {
			n++
		}
	}
	if n == 0 {
		return
	}
	clear(b.log[:n])
	b.log = b.log[n:]
}

// LastSeq returns the sequence number of the most recent event, or 0.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Len returns the number of retained events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Subscribe returns a cursor positioned at the current tail.
func (b *Bus) Subscribe() *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Cursor{bus: b, next: b.lastSeq + 1}
}

// SubscribeFrom returns a cursor yielding every event with a sequence number
// greater than after, then live events. A value past the tail is clamped to
// the tail. A value below retention is raised to just before the oldest
// retained event; compare Cursor.Position with after to detect the gap.
func (b *Bus) SubscribeFrom(after uint64) *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	if after > b.lastSeq {
		after = b.lastSeq
	}
	if len(b.log) > 0 && after+1 < b.log[0].Seq {
		after = b.log[0].Seq - 1
	}
	return &Cursor{bus: b, next: after + 1}
}

// Since returns up to limit retained events with a sequence number greater
// than after. complete is false when some of those events were already
// evicted.
func (b *Bus) Since(after uint64, limit int) (evs []Event, complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.log) == 0 {
		return nil, after >= b.lastSeq
	}
	oldest := b.log[0].Seq
	complete = after+1 >= oldest
	start := 0
	if after >= oldest {
		start = int(after - oldest + 1)
	}
	if start >= len(b.log) {
		return nil, complete
	}
	end := len(b.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	evs = make([]Event, end-start)
	copy(evs, b.log[start:end])
	return evs, complete
}

// Close wakes every waiting cursor with ErrBusClosed. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
	b.logger.Debug("event bus closed", "last_seq", b.lastSeq)
}

// read returns the event with sequence seq, or a channel that is closed when
// the next publish happens.
func (b *Bus) read(seq uint64) (Event, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}, nil, ErrBusClosed
	}
	if seq > b.lastSeq {
		return Event{}, b.wake, nil
	}
	if len(b.log) == 0 || seq < b.log[0].Seq {
		return Event{}, nil, ErrCursorEvicted
	}
	return b.log[seq-b.log[0].Seq], nil, nil
}

// Cursor reads the bus in sequence order. A Cursor is owned by one goroutine.
type Cursor struct {
	bus  *Bus
	next uint64
}

// Position returns the sequence number of the last event returned by Next.
func (c *Cursor) Position() uint64 {
	return c.next - 1
}

// Next blocks until the next event is available and returns it. It returns
// ErrCursorEvicted if the cursor fell behind retention, ErrBusClosed after
// Close, or the context error.
func (c *Cursor) Next(ctx context.Context) (Event, error) {
	for {
		ev, wake, err := c.bus.read(c.next)
		if err != nil {
			return Event{}, err
		}
		if wake == nil {
			c.next++
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wake:
		}
	}
}
