// ABOUTME: Tests for the fake clock used by sweep and timestamp tests
// ABOUTME: Covers Advance semantics and ticker delivery

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(1500 * time.Millisecond)

	assert.Equal(t, start.Add(1500*time.Millisecond), f.Now())
}

func TestFake_TickerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(500 * time.Millisecond)
	defer tk.Stop()

	f.Advance(400 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	f.Advance(100 * time.Millisecond)
	select {
	case ts := <-tk.C:
		assert.Equal(t, time.Unix(0, 0).Add(500*time.Millisecond), ts)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFake_StoppedTickerIsSilent(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Second)
	tk.Stop()

	f.Advance(5 * time.Second)

	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestReal_NowIsCurrent(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	require.False(t, got.Before(before))
}
