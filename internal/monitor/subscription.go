// ABOUTME: Subscription owns one observer's bus cursor, filter and bounded outbound queue
// ABOUTME: A pump goroutine follows the cursor and drops the observer when it overruns

package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/DeanSCND/kokino/internal/events"
)

// ErrSubscriberOverrun means the observer fell too far behind: its queue
// filled or its cursor was evicted from bus retention.
var ErrSubscriberOverrun = errors.New("subscriber overrun")

// errDisconnected is the cancel cause for an explicit Disconnect.
var errDisconnected = errors.New("subscriber disconnected")

// Delivery is one entry in a subscription's queue: either a matching event
// or, when FilterAck is set, the acknowledgement of ApplyFilter.
type Delivery struct {
	Event     events.Event
	FilterAck *FilterAck
}

// FilterAck confirms a filter change. Every event with a sequence number
// above Seq was evaluated against Filter; none at or below it were.
type FilterAck struct {
	Filter Filter
	Seq    uint64
}

// Subscription is one observer's filtered view of the bus.
type Subscription struct {
	id       string
	startSeq uint64
	gap      bool

	// mu covers the filter, the last evaluated seq and enqueueing, so a
	// filter change lands at a single point in the delivery order.
	mu        sync.Mutex
	filter    Filter
	evaluated uint64

	cursor *events.Cursor
	out    chan Delivery
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newSubscription(ctx context.Context, id string, cursor *events.Cursor, queueSize int) *Subscription {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Subscription{
		id:        id,
		startSeq:  cursor.Position(),
		evaluated: cursor.Position(),
		cursor:    cursor,
		out:       make(chan Delivery, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// StartSeq is the bus position the subscription was attached at. Every event
// with a greater sequence number is evaluated for this subscription.
func (s *Subscription) StartSeq() uint64 { return s.startSeq }

// Gap reports whether the requested replay point had already been evicted,
// so replay began at StartSeq instead.
func (s *Subscription) Gap() bool { return s.gap }

// Deliveries yields matching events in sequence order, interleaved with
// filter acknowledgements at the point each change took effect.
func (s *Subscription) Deliveries() <-chan Delivery { return s.out }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns why the subscription ended: ErrSubscriberOverrun,
// events.ErrBusClosed, or nil for a disconnect or cancelled context.
func (s *Subscription) Err() error {
	cause := context.Cause(s.ctx)
	switch {
	case cause == nil,
		errors.Is(cause, errDisconnected),
		errors.Is(cause, context.Canceled),
		errors.Is(cause, context.DeadlineExceeded):
		return nil
	}
	return cause
}

// SetFilter replaces the filter without an acknowledgement. Events
// evaluated after the call see the new filter; events already queued are
// unaffected.
func (s *Subscription) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// ApplyFilter replaces the filter and queues a FilterAck behind every event
// matched under the old one. A full queue ends the subscription with
// ErrSubscriberOverrun.
func (s *Subscription) ApplyFilter(f Filter) (FilterAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
	ack := FilterAck{Filter: f, Seq: s.evaluated}
	select {
	case s.out <- Delivery{FilterAck: &ack}:
		return ack, nil
	default:
		s.stop(ErrSubscriberOverrun)
		return ack, ErrSubscriberOverrun
	}
}

// Filter returns the current filter.
func (s *Subscription) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// offer evaluates ev against the current filter and queues it on a match.
// It returns false when the queue is full.
func (s *Subscription) offer(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = ev.Seq
	if !s.filter.Match(ev) {
		return true
	}
	select {
	case s.out <- Delivery{Event: ev}:
		return true
	default:
		return false
	}
}

func (s *Subscription) stop(cause error) {
	s.cancel(cause)
}

// pump follows the cursor until the subscription ends. Enqueueing never
// blocks: a full queue ends the subscription with ErrSubscriberOverrun.
func (s *Subscription) pump() {
	for {
		ev, err := s.cursor.Next(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case errors.Is(err, events.ErrCursorEvicted):
				s.stop(ErrSubscriberOverrun)
			default:
				s.stop(err)
			}
			return
		}
		if !s.offer(ev) {
			s.stop(ErrSubscriberOverrun)
			return
		}
	}
}
