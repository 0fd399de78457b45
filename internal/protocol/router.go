package protocol

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/rterr"
)

// Channel is the transport the router writes outbound events to.
type Channel interface {
	SendText(text string) error
	IsOpen() bool
}

// Router serializes outbound events onto the attached channel and
// dispatches inbound payloads to one handler per event type.
//
// Dispatch is synchronous; callers feed it from a single goroutine so that
// handlers run one at a time in arrival order.
type Router struct {
	log zerolog.Logger

	mu        sync.RWMutex
	handlers  map[EventType]func(ServerEvent)
	catchAll  func(ServerEvent)
	observers []func(ServerEvent)
	outbound  []func(ClientEvent)
	onError   func(error)

	sendMu  sync.Mutex
	channel Channel
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		handlers: make(map[EventType]func(ServerEvent)),
	}
}

// Handle registers fn for the event type of E, replacing any earlier
// handler for that type.
func Handle[E ServerEvent](r *Router, fn func(E)) {
	var zero E
	t := zero.EventType()
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.handlers, t)
		return
	}
	r.handlers[t] = func(ev ServerEvent) {
		if typed, ok := ev.(E); ok {
			fn(typed)
		}
	}
}

// HandleUnknown registers the catch-all. It receives unmodeled event types
// and modeled ones without a dedicated handler.
func (r *Router) HandleUnknown(fn func(ServerEvent)) {
	r.mu.Lock()
	r.catchAll = fn
	r.mu.Unlock()
}

// Observe adds a non-exclusive tap that sees every parsed inbound event
// before its handler runs.
func (r *Router) Observe(fn func(ServerEvent)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// ObserveOutbound adds a tap for every successfully sent event.
func (r *Router) ObserveOutbound(fn func(ClientEvent)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.outbound = append(r.outbound, fn)
	r.mu.Unlock()
}

// OnError receives malformed inbound payloads as protocol errors.
func (r *Router) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Attach makes ch the outbound transport. A nil ch detaches.
func (r *Router) Attach(ch Channel) {
	r.sendMu.Lock()
	r.channel = ch
	r.sendMu.Unlock()
}

func (r *Router) Detach() {
	r.Attach(nil)
}

// Connected reports whether an open channel is attached.
func (r *Router) Connected() bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.channel != nil && r.channel.IsOpen()
}

// Send encodes ev and writes it. Sends never interleave.
func (r *Router) Send(ev ClientEvent) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.channel == nil || !r.channel.IsOpen() {
		return rterr.NotConnected("data channel is not open")
	}
	raw, err := EncodeClientEvent(ev)
	if err != nil {
		return err
	}
	if err := r.channel.SendText(string(raw)); err != nil {
		return rterr.Wrap(rterr.KindNotConnected, err, "data channel send failed")
	}
	r.log.Debug().Str("type", string(ev.EventType())).Int("bytes", len(raw)).Msg("event sent")

	r.mu.RLock()
	taps := r.outbound
	r.mu.RUnlock()
	for _, tap := range taps {
		tap(ev)
	}
	return nil
}

// Dispatch parses raw and delivers it. Malformed payloads go to the error
// callback and are otherwise dropped.
func (r *Router) Dispatch(raw []byte) {
	ev, err := ParseServerEvent(raw)
	if err != nil {
		r.log.Warn().Err(err).Int("bytes", len(raw)).Msg("malformed inbound event")
		r.mu.RLock()
		onError := r.onError
		r.mu.RUnlock()
		if onError != nil {
			onError(rterr.Protocol(err, "malformed inbound event"))
		}
		return
	}
	r.Deliver(ev)
}

// Deliver runs observers then the handler for an already parsed event.
func (r *Router) Deliver(ev ServerEvent) {
	r.mu.RLock()
	observers := r.observers
	handler, ok := r.handlers[ev.EventType()]
	catchAll := r.catchAll
	r.mu.RUnlock()

	for _, obs := range observers {
		obs(ev)
	}
	switch {
	case ok:
		handler(ev)
	case catchAll != nil:
		catchAll(ev)
	default:
		r.log.Debug().Str("type", string(ev.EventType())).Msg("event dropped")
	}
}
