package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errRefused = errors.New("dial refused")

func fail() error { return errRefused }
func ok() error   { return nil }

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute, WithClock(newClock().Now))

	assert.ErrorIs(t, b.Execute("openai", fail), errRefused)
	assert.ErrorIs(t, b.Execute("openai", fail), errRefused)
	assert.Equal(t, StateClosed, b.State("openai"))

	assert.ErrorIs(t, b.Execute("openai", fail), errRefused)
	assert.Equal(t, StateOpen, b.State("openai"))

	calls := 0
	err := b.Execute("openai", func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("openai")
	require.NoError(t, b.Execute("openai", ok))
	b.RecordFailure("openai")
	assert.Equal(t, StateClosed, b.State("openai"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	clock := newClock()
	b := New(1, time.Minute, WithClock(clock.Now))

	b.RecordFailure("openai")
	assert.False(t, b.Allow("openai"))

	clock.Advance(time.Minute)
	assert.True(t, b.Allow("openai"), "first caller after cooldown is let through")
	assert.Equal(t, StateHalfOpen, b.State("openai"))
	assert.False(t, b.Allow("openai"), "only one trial at a time")

	b.RecordSuccess("openai")
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.True(t, b.Allow("openai"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := newClock()
	b := New(1, time.Minute, WithClock(clock.Now))

	b.RecordFailure("openai")
	clock.Advance(time.Minute)
	assert.ErrorIs(t, b.Execute("openai", fail), errRefused)
	assert.Equal(t, StateOpen, b.State("openai"))

	// The cooldown restarts from the failed trial.
	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow("openai"))
	clock.Advance(30 * time.Second)
	assert.True(t, b.Allow("openai"))
}

func TestBreaker_AbandonedTrialExpires(t *testing.T) {
	clock := newClock()
	b := New(1, time.Minute, WithClock(clock.Now))

	b.RecordFailure("openai")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("openai"))

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow("openai"))
	clock.Advance(time.Second)
	assert.True(t, b.Allow("openai"), "a trial that never reported is replaced")
}

func TestBreaker_FailureFilter(t *testing.T) {
	clock := newClock()
	b := New(1, time.Minute, WithClock(clock.Now), WithFailureFilter(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}))

	assert.ErrorIs(t, b.Execute("openai", func() error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateClosed, b.State("openai"), "caller cancellation is not a provider failure")

	assert.ErrorIs(t, b.Execute("openai", fail), errRefused)
	assert.Equal(t, StateOpen, b.State("openai"))

	// An uncounted error during the trial frees the slot for the next caller.
	clock.Advance(time.Minute)
	assert.ErrorIs(t, b.Execute("openai", func() error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State("openai"))
	assert.True(t, b.Allow("openai"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("openai")
	assert.False(t, b.Allow("openai"))
	assert.True(t, b.Allow("comet"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b := New(1, time.Minute)

	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "openai", key)
		got <- [2]State{from, to}
	})

	b.RecordFailure("openai")
	b.RecordFailure("openai") // already open; no second transition

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
	select {
	case tr := <-got:
		t.Fatalf("unexpected transition %v", tr)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
