package protocol

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

type fakeChannel struct {
	mu   sync.Mutex
	open bool
	sent []string
	err  error
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) types(t *testing.T) []EventType {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, 0, len(c.sent))
	for _, raw := range c.sent {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		out = append(out, env.Type)
	}
	return out
}

func TestSendWithoutChannelIsNotConnected(t *testing.T) {
	r := NewRouter(logging.Nop())
	var tapped int
	r.ObserveOutbound(func(ClientEvent) { tapped++ })

	err := r.Send(&ResponseCreate{})
	assert.True(t, rterr.Is(err, rterr.KindNotConnected))

	ch := &fakeChannel{open: false}
	r.Attach(ch)
	err = r.Send(&ResponseCreate{})
	assert.True(t, rterr.Is(err, rterr.KindNotConnected))
	assert.Empty(t, ch.sent)
	assert.Zero(t, tapped)
}

func TestConnectedFollowsAttachedChannel(t *testing.T) {
	r := NewRouter(logging.Nop())
	assert.False(t, r.Connected())

	ch := &fakeChannel{open: false}
	r.Attach(ch)
	assert.False(t, r.Connected())

	ch.mu.Lock()
	ch.open = true
	ch.mu.Unlock()
	assert.True(t, r.Connected())

	r.Detach()
	assert.False(t, r.Connected())
}

func TestSendStampsTypeAndPreservesOrder(t *testing.T) {
	r := NewRouter(logging.Nop())
	ch := &fakeChannel{open: true}
	r.Attach(ch)

	var tapped []EventType
	r.ObserveOutbound(func(ev ClientEvent) { tapped = append(tapped, ev.EventType()) })

	require.NoError(t, r.Send(NewUserText("hola")))
	require.NoError(t, r.Send(&ResponseCreate{}))

	want := []EventType{TypeConversationItemCreate, TypeResponseCreate}
	assert.Equal(t, want, ch.types(t))
	assert.Equal(t, want, tapped)

	var item ConversationItemCreate
	require.NoError(t, json.Unmarshal([]byte(ch.sent[0]), &item))
	assert.Equal(t, "user", item.Item.Role)
	assert.Equal(t, "input_text", item.Item.Content[0].Type)
	assert.Equal(t, "hola", item.Item.Content[0].Text)
	assert.NotEmpty(t, item.EventID)
}

func TestSendTransportFailure(t *testing.T) {
	r := NewRouter(logging.Nop())
	r.Attach(&fakeChannel{open: true, err: errors.New("sctp closed")})
	err := r.Send(&InputAudioBufferCommit{})
	assert.True(t, rterr.Is(err, rterr.KindNotConnected))
}

func TestSessionUpdateDisablesVADWithNull(t *testing.T) {
	raw, err := EncodeClientEvent(&SessionUpdate{Session: SessionConfig{Voice: "alloy"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"turn_detection":null`)
	assert.Contains(t, string(raw), `"type":"session.update"`)
}

func TestTypedHandlerReceivesEvent(t *testing.T) {
	r := NewRouter(logging.Nop())
	var got ResponseTextDelta
	Handle(r, func(ev ResponseTextDelta) { got = ev })

	r.Dispatch([]byte(`{"type":"response.text.delta","response_id":"resp_1","item_id":"it_1","delta":"Hel"}`))
	assert.Equal(t, "resp_1", got.ResponseID)
	assert.Equal(t, "Hel", got.Delta)
}

func TestLaterHandlerReplacesEarlier(t *testing.T) {
	r := NewRouter(logging.Nop())
	var first, second int
	Handle(r, func(SpeechStarted) { first++ })
	Handle(r, func(SpeechStarted) { second++ })

	r.Dispatch([]byte(`{"type":"input_audio_buffer.speech_started","audio_start_ms":10}`))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestUnknownTypeGoesOnlyToCatchAll(t *testing.T) {
	r := NewRouter(logging.Nop())
	var handled, caught int
	var errs []error
	Handle(r, func(ResponseDone) { handled++ })
	r.HandleUnknown(func(ev ServerEvent) {
		caught++
		u, ok := ev.(Unknown)
		require.True(t, ok)
		assert.Equal(t, EventType("rate_limits.updated"), u.Type)
	})
	r.OnError(func(err error) { errs = append(errs, err) })

	assert.NotPanics(t, func() {
		r.Dispatch([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	})
	assert.Zero(t, handled)
	assert.Equal(t, 1, caught)
	assert.Empty(t, errs)
}

func TestUnknownWithoutCatchAllIsDropped(t *testing.T) {
	r := NewRouter(logging.Nop())
	var errs []error
	r.OnError(func(err error) { errs = append(errs, err) })
	assert.NotPanics(t, func() { r.Dispatch([]byte(`{"type":"future.event"}`)) })
	assert.Empty(t, errs)
}

func TestMalformedPayloadReportsProtocolError(t *testing.T) {
	r := NewRouter(logging.Nop())
	var errs []error
	r.OnError(func(err error) { errs = append(errs, err) })

	r.Dispatch([]byte(`{not json`))
	r.Dispatch([]byte(`{"event_id":"x"}`))
	r.Dispatch([]byte(`{"type":"response.done","response":"oops"}`))

	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.True(t, rterr.Is(err, rterr.KindProtocol), "err = %v", err)
	}
}

func TestObserversSeeEventsBeforeHandlers(t *testing.T) {
	r := NewRouter(logging.Nop())
	var order []string
	r.Observe(func(ServerEvent) { order = append(order, "observer") })
	Handle(r, func(ErrorEvent) { order = append(order, "handler") })

	r.Dispatch([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	assert.Equal(t, []string{"observer", "handler"}, order)
}

func TestDispatchPreservesArrivalOrder(t *testing.T) {
	r := NewRouter(logging.Nop())
	var deltas []string
	Handle(r, func(ev ResponseAudioTranscriptDelta) { deltas = append(deltas, ev.Delta) })
	for _, d := range []string{"a", "b", "c", "d"} {
		r.Dispatch([]byte(`{"type":"response.audio_transcript.delta","response_id":"r","delta":"` + d + `"}`))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, deltas)
}
