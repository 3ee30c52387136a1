// ABOUTME: Manager tracks observer subscriptions and their pump goroutines
// ABOUTME: Connect attaches at the bus tail or a replay point; Disconnect is immediate

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"github.com/DeanSCND/kokino/internal/events"
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("monitor manager closed")

// DefaultQueueSize bounds each subscription's outbound queue.
const DefaultQueueSize = 256

// EventSource hands out bus cursors. *events.Bus implements it.
type EventSource interface {
	Subscribe() *events.Cursor
	SubscribeFrom(after uint64) *events.Cursor
}

// ConnectOptions configures a new subscription.
type ConnectOptions struct {
	// Since replays retained events after this sequence number. Nil attaches
	// at the current tail. A value below retention starts at the oldest
	// retained event and sets Subscription.Gap.
	Since *uint64
	// Filter is the initial filter; the zero value matches everything.
	Filter Filter
}

// Config tunes the Manager.
type Config struct {
	QueueSize int
	Logger    *slog.Logger
}

// Manager owns the set of live subscriptions.
type Manager struct {
	source    EventSource
	subs      *haxmap.Map[string, *Subscription]
	queueSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager reading from source.
func NewManager(source EventSource, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		source:    source,
		subs:      haxmap.New[string, *Subscription](),
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger.With("component", "monitor"),
	}
}

// Connect creates a subscription. It ends when ctx is done, on Disconnect,
// on overrun, or when the manager or bus closes.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (*Subscription, error) {
	// Hold the read lock across the closed check and wg.Add so Close cannot
	// start waiting in between.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	var cursor *events.Cursor
	if opts.Since != nil {
		cursor = m.source.SubscribeFrom(*opts.Since)
	} else {
		cursor = m.source.Subscribe()
	}

	sub := newSubscription(ctx, uuid.NewString(), cursor, m.queueSize)
	sub.gap = opts.Since != nil && *opts.Since < sub.startSeq
	sub.SetFilter(opts.Filter)
	m.subs.Set(sub.id, sub)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.pump()
		m.subs.Del(sub.id)
		switch err := sub.Err(); {
		case errors.Is(err, ErrSubscriberOverrun):
			m.logger.Warn("observer dropped", "subscription_id", sub.id, "error", err)
		case err != nil:
			m.logger.Debug("subscription ended", "subscription_id", sub.id, "error", err)
		}
	}()

	if sub.gap {
		m.logger.Info("replay truncated by retention", "subscription_id", sub.id, "requested_since", *opts.Since, "start_seq", sub.startSeq)
	}
	m.logger.Debug("observer connected", "subscription_id", sub.id, "start_seq", sub.startSeq, "total", m.Count())
	return sub, nil
}

// Disconnect removes a subscription immediately. Events already queued for
// it are discarded. Unknown ids are ignored.
func (m *Manager) Disconnect(id string) {
	sub, ok := m.subs.Get(id)
	if !ok {
		return
	}
	m.subs.Del(id)
	sub.stop(errDisconnected)
	m.logger.Debug("observer disconnected", "subscription_id", id)
}

// Get returns a live subscription by id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	return m.subs.Get(id)
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	return int(m.subs.Len())
}

// Close ends every subscription and waits for their pumps to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	n := 0
	m.subs.ForEach(func(id string, sub *Subscription) bool {
		sub.stop(ErrManagerClosed)
		n++
		return true
	})
	m.wg.Wait()
	m.logger.Info("monitor manager closed", "disconnected", n)
}
