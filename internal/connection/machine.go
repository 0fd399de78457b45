// Package connection owns the connection lifecycle: the authoritative
// state, the epoch guard against stale continuations, and the bounded
// reconnection loop.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/reliability"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Active reports whether a connection exists or is being established.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// ErrStale is returned when the epoch moved on while work was in flight.
var ErrStale = errors.New("connection attempt superseded")

var transitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateReconnecting},
	StateConnected:    {StateReconnecting},
	StateReconnecting: {StateConnected, StateDisconnected, StateError},
	StateDisconnected: {StateConnecting},
	StateError:        {StateConnecting},
}

// CanTransition reports whether from -> to is legal. Explicit disconnect
// is legal from every other state.
func CanTransition(from, to State) bool {
	if to == StateDisconnected && from != StateDisconnected {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Change is emitted for every applied transition.
type Change struct {
	From  State
	To    State
	Cause error
	Epoch uint64
	At    time.Time
}

type Policy struct {
	AutoReconnect bool
	MaxAttempts   int
	Backoff       reliability.Backoff
}

func DefaultPolicy() Policy {
	return Policy{AutoReconnect: true, MaxAttempts: 3, Backoff: reliability.DefaultBackoff()}
}

type Machine struct {
	log zerolog.Logger

	mu        sync.Mutex
	policy    Policy
	state     State
	cause     error
	epoch     uint64
	bumped    chan struct{}
	listeners []func(Change)
}

func NewMachine(policy Policy, log zerolog.Logger) *Machine {
	return &Machine{
		log:    log.With().Str("component", "connection").Logger(),
		policy: policy,
		state:  StateIdle,
		bumped: make(chan struct{}),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cause is the error attached to the latest transition, if any.
func (m *Machine) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Current reports whether epoch is still the live one.
func (m *Machine) Current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *Machine) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy applies to the next reconnection loop.
func (m *Machine) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// OnChange registers a listener. Listeners run outside the lock, in
// registration order.
func (m *Machine) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Begin starts a new epoch and moves to connecting. It returns false,
// without side effects, while a connection is already active.
func (m *Machine) Begin() (uint64, bool) {
	m.mu.Lock()
	if m.state.Active() {
		epoch := m.epoch
		m.mu.Unlock()
		return epoch, false
	}
	m.bumpLocked()
	change := m.applyLocked(StateConnecting, nil)
	listeners := m.listeners
	epoch := m.epoch
	m.mu.Unlock()

	notify(listeners, change)
	return epoch, true
}

// Stop invalidates in-flight work and moves to disconnected. Safe in any
// state; repeated calls emit nothing.
func (m *Machine) Stop(cause error) {
	m.mu.Lock()
	m.bumpLocked()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	change := m.applyLocked(StateDisconnected, cause)
	listeners := m.listeners
	m.mu.Unlock()

	notify(listeners, change)
}

// Transition applies to when epoch is current and the move is legal.
func (m *Machine) Transition(epoch uint64, to State, cause error) bool {
	return m.transition(epoch, "", to, cause)
}

// TransitionFrom is Transition that also requires the current state to be
// from. A concurrent move out of from makes it a no-op.
func (m *Machine) TransitionFrom(epoch uint64, from, to State, cause error) bool {
	return m.transition(epoch, from, to, cause)
}

func (m *Machine) transition(epoch uint64, from, to State, cause error) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		m.log.Debug().Uint64("epoch", epoch).Str("to", string(to)).Msg("stale transition dropped")
		return false
	}
	if from != "" && m.state != from {
		current := m.state
		m.mu.Unlock()
		m.log.Debug().Str("want", string(from)).Str("state", string(current)).Str("to", string(to)).Msg("state moved, transition skipped")
		return false
	}
	if !CanTransition(m.state, to) {
		from := m.state
		m.mu.Unlock()
		m.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("invalid transition rejected")
		return false
	}
	change := m.applyLocked(to, cause)
	listeners := m.listeners
	m.mu.Unlock()

	notify(listeners, change)
	return true
}

// Fail routes a failed attempt: reconnecting when policy and cause allow
// it, error otherwise. It returns the state it moved to, or "" if stale.
func (m *Machine) Fail(epoch uint64, cause error) State {
	to := StateError
	if m.Policy().AutoReconnect && rterr.IsRetryable(cause) {
		to = StateReconnecting
	}
	if m.State() == StateConnected {
		to = StateReconnecting
		if !m.Policy().AutoReconnect {
			to = StateDisconnected
		}
	}
	if !m.Transition(epoch, to, cause) {
		return ""
	}
	return to
}

// Reconnect runs the bounded retry loop for epoch. The machine must
// already be reconnecting. attempt receives the 1-based attempt number and
// must itself check Current before installing anything.
func (m *Machine) Reconnect(ctx context.Context, epoch uint64, attempt func(ctx context.Context, n int) error) error {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return ErrStale
	}
	policy := m.policy
	bumped := m.bumped
	m.mu.Unlock()

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		delay := policy.Backoff.Delay(n - 1)
		m.log.Info().Int("attempt", n).Int("max", maxAttempts).Dur("delay", delay).Msg("reconnecting")
		if err := wait(ctx, bumped, delay); err != nil {
			return err
		}

		lastErr = attempt(ctx, n)
		if errors.Is(lastErr, ErrStale) || !m.Current(epoch) {
			return ErrStale
		}
		if lastErr == nil {
			if !m.TransitionFrom(epoch, StateReconnecting, StateConnected, nil) {
				return ErrStale
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn().Err(lastErr).Int("attempt", n).Msg("reconnect attempt failed")
		if !rterr.IsRetryable(lastErr) {
			break
		}
	}

	final := StateDisconnected
	if !rterr.IsRetryable(lastErr) {
		final = StateError
	}
	cause := fmt.Errorf("reconnect gave up after %d attempts: %w", maxAttempts, lastErr)
	if !m.Transition(epoch, final, cause) {
		return ErrStale
	}
	return cause
}

func (m *Machine) bumpLocked() {
	m.epoch++
	close(m.bumped)
	m.bumped = make(chan struct{})
}

func (m *Machine) applyLocked(to State, cause error) Change {
	change := Change{From: m.state, To: to, Cause: cause, Epoch: m.epoch, At: time.Now()}
	m.state = to
	m.cause = cause
	ev := m.log.Info()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Str("from", string(change.From)).Str("to", string(to)).Uint64("epoch", m.epoch).Msg("connection state")
	return change
}

func notify(listeners []func(Change), change Change) {
	for _, fn := range listeners {
		fn(change)
	}
}

// wait sleeps for d unless ctx ends or the epoch moves on.
func wait(ctx context.Context, bumped <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-bumped:
		return ErrStale
	}
}
