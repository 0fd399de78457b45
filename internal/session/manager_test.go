package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "gpt-realtime", "alloy")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Voice != "alloy" || got.Status != StatusActive || got.ConnectionState != "idle" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndedAt == nil {
		t.Fatalf("ended = %+v, want ended with timestamp", ended)
	}
	if _, err := m.End(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("second End() error = %v, want ErrEnded", err)
	}
	if err := m.SetConnectionState(s.ID, "connected"); !errors.Is(err, ErrEnded) {
		t.Fatalf("SetConnectionState() after end = %v, want ErrEnded", err)
	}
}

func TestManagerTracksConnectionState(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "", "")
	if err := m.SetConnectionState(s.ID, "reconnecting"); err != nil {
		t.Fatalf("SetConnectionState() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.ConnectionState != "reconnecting" {
		t.Fatalf("ConnectionState = %q, want reconnecting", got.ConnectionState)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerActiveForUser(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "", "")
	second := m.Create("u1", "", "")
	m.Create("u2", "", "")
	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	active := m.ActiveForUser("u1")
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("ActiveForUser() = %+v, want only %s", active, second.ID)
	}
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", m.ActiveCount())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "", "")
	var hooked atomic.Int32
	m.SetExpireHook(func(expired *Session) {
		if expired.ID == s.ID {
			hooked.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if hooked.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", hooked.Load())
	}
}
