// Package bridge carries realtime client notifications out of the process:
// to websocket subscribers through the in-memory Hub and to other services
// through Redis streams.
package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/usage"
)

type Type string

const (
	TypeState         Type = "state"
	TypeMessage       Type = "message"
	TypeSpeechStart   Type = "speech_start"
	TypeSpeechEnd     Type = "speech_end"
	TypeTranscription Type = "transcription"
	TypeCost          Type = "cost"
	TypeError         Type = "error"
	TypeDebug         Type = "debug"
)

type StatePayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause,omitempty"`
}

type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Notification is the envelope shared by the websocket stream and Redis.
type Notification struct {
	Type          Type                    `json:"type"`
	SessionID     string                  `json:"session_id"`
	At            time.Time               `json:"at"`
	State         *StatePayload           `json:"state,omitempty"`
	Message       *realtime.Message       `json:"message,omitempty"`
	Transcription *realtime.Transcription `json:"transcription,omitempty"`
	Usage         *usage.Metrics          `json:"usage,omitempty"`
	Error         *ErrorPayload           `json:"error,omitempty"`
	Debug         string                  `json:"debug,omitempty"`
}

// Publisher delivers notifications. Implementations must not block the
// caller for long; callbacks run on the client's dispatch goroutine.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Multi publishes to every member and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, n Notification) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

const publishTimeout = 2 * time.Second

// Forward returns client callbacks that publish every notification for
// sessionID. Debug lines are forwarded only when debug is set.
func Forward(sessionID string, pub Publisher, debug bool, log zerolog.Logger) realtime.Callbacks {
	send := func(n Notification) {
		n.SessionID = sessionID
		n.At = time.Now().UTC()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := pub.Publish(ctx, n); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Str("type", string(n.Type)).Msg("notification publish failed")
		}
	}
	cb := realtime.Callbacks{
		OnStateChange: func(c connection.Change) {
			p := &StatePayload{From: string(c.From), To: string(c.To)}
			if c.Cause != nil {
				p.Cause = rterr.UserMessage(c.Cause)
			}
			send(Notification{Type: TypeState, State: p})
		},
		OnMessage: func(m realtime.Message) {
			send(Notification{Type: TypeMessage, Message: &m})
		},
		OnSpeechStart: func() { send(Notification{Type: TypeSpeechStart}) },
		OnSpeechEnd:   func() { send(Notification{Type: TypeSpeechEnd}) },
		OnTranscription: func(t realtime.Transcription) {
			send(Notification{Type: TypeTranscription, Transcription: &t})
		},
		OnCostUpdate: func(m usage.Metrics) {
			send(Notification{Type: TypeCost, Usage: &m})
		},
		OnError: func(err error) {
			send(Notification{Type: TypeError, Error: &ErrorPayload{
				Kind:      string(rterr.KindOf(err)),
				Message:   rterr.UserMessage(err),
				Retryable: rterr.IsRetryable(err),
			}})
		},
	}
	if debug {
		cb.OnDebug = func(line string) { send(Notification{Type: TypeDebug, Debug: line}) }
	}
	return cb
}

// Chain merges two callback sets; a runs before b for each notification.
func Chain(a, b realtime.Callbacks) realtime.Callbacks {
	return realtime.Callbacks{
		OnStateChange:   chain1(a.OnStateChange, b.OnStateChange),
		OnMessage:       chain1(a.OnMessage, b.OnMessage),
		OnSpeechStart:   chain0(a.OnSpeechStart, b.OnSpeechStart),
		OnSpeechEnd:     chain0(a.OnSpeechEnd, b.OnSpeechEnd),
		OnTranscription: chain1(a.OnTranscription, b.OnTranscription),
		OnCostUpdate:    chain1(a.OnCostUpdate, b.OnCostUpdate),
		OnError:         chain1(a.OnError, b.OnError),
		OnDebug:         chain1(a.OnDebug, b.OnDebug),
	}
}

func chain0(a, b func()) func() {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func() { a(); b() }
}

func chain1[T any](a, b func(T)) func(T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(v T) { a(v); b(v) }
}
