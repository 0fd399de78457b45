package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/reliability"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return nil
	}
	out := []State{r.changes[0].From}
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func fastPolicy(attempts int) Policy {
	return Policy{
		AutoReconnect: true,
		MaxAttempts:   attempts,
		Backoff:       reliability.Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond},
	}
}

func newMachine(p Policy) (*Machine, *recorder) {
	m := NewMachine(p, logging.Nop())
	rec := &recorder{}
	m.OnChange(rec.record)
	return m, rec
}

func TestBeginIsNoopWhileActive(t *testing.T) {
	m, rec := newMachine(DefaultPolicy())
	epoch, ok := m.Begin()
	require.True(t, ok)
	assert.Equal(t, StateConnecting, m.State())

	again, ok := m.Begin()
	assert.False(t, ok)
	assert.Equal(t, epoch, again)
	assert.Len(t, rec.path(), 2)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, rec := newMachine(DefaultPolicy())
	assert.False(t, m.Transition(m.Epoch(), StateConnected, nil))
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, rec.path())
}

func TestStaleEpochDropped(t *testing.T) {
	m, _ := newMachine(DefaultPolicy())
	epoch, _ := m.Begin()
	m.Stop(nil)

	assert.False(t, m.Transition(epoch, StateConnected, nil))
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Current(epoch))
}

func TestTransitionFromRequiresExpectedState(t *testing.T) {
	m, rec := newMachine(fastPolicy(3))
	epoch, _ := m.Begin()
	require.True(t, m.Transition(epoch, StateReconnecting, errors.New("drop")))

	assert.False(t, m.TransitionFrom(epoch, StateConnecting, StateConnected, nil))
	assert.Equal(t, StateReconnecting, m.State())

	assert.True(t, m.TransitionFrom(epoch, StateReconnecting, StateConnected, nil))
	assert.Equal(t, []State{StateIdle, StateConnecting, StateReconnecting, StateConnected}, rec.path())
}

func TestReconnectSkipsConnectedWhenStateMoved(t *testing.T) {
	m, rec := newMachine(fastPolicy(3))
	epoch, _ := m.Begin()
	require.True(t, m.Transition(epoch, StateReconnecting, errors.New("drop")))

	err := m.Reconnect(context.Background(), epoch, func(ctx context.Context, n int) error {
		require.True(t, m.Transition(epoch, StateError, errors.New("fatal")))
		return nil
	})
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, StateError, m.State())
	assert.NotContains(t, rec.path()[2:], StateConnected)
}

func TestStopIsIdempotent(t *testing.T) {
	m, rec := newMachine(DefaultPolicy())
	m.Begin()
	m.Stop(nil)
	m.Stop(nil)
	assert.Equal(t, []State{StateIdle, StateConnecting, StateDisconnected}, rec.path())

	_, ok := m.Begin()
	assert.True(t, ok, "disconnected -> connecting on next connect")
}

func TestFailRoutesByPolicyAndCause(t *testing.T) {
	m, _ := newMachine(Policy{AutoReconnect: false})
	epoch, _ := m.Begin()
	assert.Equal(t, StateError, m.Fail(epoch, rterr.Credential(500, "boom", nil)))

	m, _ = newMachine(fastPolicy(3))
	epoch, _ = m.Begin()
	assert.Equal(t, StateError, m.Fail(epoch, rterr.Credential(401, "denied", nil)))

	m, _ = newMachine(fastPolicy(3))
	epoch, _ = m.Begin()
	assert.Equal(t, StateReconnecting, m.Fail(epoch, rterr.NegotiationTimeout("slow")))

	m, _ = newMachine(fastPolicy(3))
	epoch, _ = m.Begin()
	require.True(t, m.Transition(epoch, StateConnected, nil))
	assert.Equal(t, StateReconnecting, m.Fail(epoch, errors.New("transport dropped")))
}

func TestReconnectSucceedsWithinBudget(t *testing.T) {
	m, rec := newMachine(fastPolicy(3))
	epoch, _ := m.Begin()
	require.True(t, m.Transition(epoch, StateConnected, nil))
	require.True(t, m.Transition(epoch, StateReconnecting, errors.New("drop")))

	var attempts []int
	err := m.Reconnect(context.Background(), epoch, func(ctx context.Context, n int) error {
		attempts = append(attempts, n)
		if n < 2 {
			return rterr.Negotiation(503, "busy", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []State{StateIdle, StateConnecting, StateConnected, StateReconnecting, StateConnected}, rec.path())
}

func TestReconnectNeverExceedsMaxAttempts(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		m, _ := newMachine(fastPolicy(limit))
		epoch, _ := m.Begin()
		require.Equal(t, StateReconnecting, m.Fail(epoch, rterr.NegotiationTimeout("slow")))

		calls := 0
		err := m.Reconnect(context.Background(), epoch, func(context.Context, int) error {
			calls++
			return rterr.NegotiationTimeout("still slow")
		})
		require.Error(t, err)
		assert.Equal(t, limit, calls)
		assert.Equal(t, StateDisconnected, m.State())
		assert.NotEqual(t, StateReconnecting, m.State())
		assert.True(t, rterr.Is(m.Cause(), rterr.KindNegotiationTimeout))
	}
}

func TestReconnectStopsOnNonRetryable(t *testing.T) {
	m, _ := newMachine(fastPolicy(5))
	epoch, _ := m.Begin()
	m.Fail(epoch, rterr.NegotiationTimeout("slow"))

	calls := 0
	err := m.Reconnect(context.Background(), epoch, func(context.Context, int) error {
		calls++
		return rterr.Credential(401, "revoked", nil)
	})
	assert.True(t, rterr.Is(err, rterr.KindCredential))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateError, m.State())
}

func TestStopAbortsBackoffWait(t *testing.T) {
	m, _ := newMachine(Policy{
		AutoReconnect: true,
		MaxAttempts:   3,
		Backoff:       reliability.Backoff{Base: time.Minute, Cap: time.Minute},
	})
	epoch, _ := m.Begin()
	m.Fail(epoch, rterr.NegotiationTimeout("slow"))

	done := make(chan error, 1)
	go func() {
		done <- m.Reconnect(context.Background(), epoch, func(context.Context, int) error {
			t.Errorf("attempt must not run after stop")
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	m.Stop(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStale)
	case <-time.After(time.Second):
		t.Fatalf("Reconnect did not return after Stop")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestReconnectRequiresReconnectingState(t *testing.T) {
	m, _ := newMachine(fastPolicy(3))
	epoch, _ := m.Begin()
	err := m.Reconnect(context.Background(), epoch, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, ErrStale)
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateError, StateConnecting))
	assert.True(t, CanTransition(StateConnected, StateDisconnected))
	assert.False(t, CanTransition(StateDisconnected, StateDisconnected))
	assert.False(t, CanTransition(StateConnected, StateConnecting))
	assert.False(t, CanTransition(StateIdle, StateReconnecting))
}
