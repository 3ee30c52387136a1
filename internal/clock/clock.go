// ABOUTME: Injectable time source so heartbeat aging and timestamps can be tested
// ABOUTME: Real delegates to package time; Fake advances only when told to

package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts the time operations used by the broker. Production code
// uses Real(); tests use NewFake() and call Advance.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C. C has capacity 1; ticks are dropped when the
// reader falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// Fake is a manually driven Clock. Tickers fire during Advance, once per
// elapsed interval, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake creates a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker registers a ticker that fires as Advance moves time forward.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, ft)
	return &Ticker{
		C: ft.ch,
		stop: func() {
			f.mu.Lock()
			ft.stopped = true
			f.mu.Unlock()
		},
	}
}

// Advance moves the clock forward by d, firing every ticker deadline that
// falls inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		ft := f.earliestLocked(target)
		if ft == nil {
			break
		}
		f.now = ft.next
		ft.next = ft.next.Add(ft.interval)
		select {
		case ft.ch <- f.now:
		default:
		}
	}
	f.now = target
	f.mu.Unlock()
}

// earliestLocked returns the live ticker with the earliest deadline not after
// target, or nil. Must be called with mu held.
func (f *Fake) earliestLocked(target time.Time) *fakeTicker {
	live := f.tickers[:0]
	for _, ft := range f.tickers {
		if !ft.stopped {
			live = append(live, ft)
		}
	}
	f.tickers = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].next.Before(live[j].next) })
	if live[0].next.After(target) {
		return nil
	}
	return live[0]
}
