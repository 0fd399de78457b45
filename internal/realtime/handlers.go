package realtime

import (
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/reliability"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

func (c *Client) registerHandlers() {
	r := c.router
	protocol.Handle(r, func(ev protocol.SessionCreated) {
		c.debugf("session created id=%s model=%s", ev.Session.ID, ev.Session.Model)
	})
	protocol.Handle(r, func(ev protocol.SessionUpdated) {
		c.debugf("session updated voice=%s", ev.Session.Voice)
	})
	protocol.Handle(r, func(protocol.SpeechStarted) {
		if fn := c.callbacks.OnSpeechStart; fn != nil {
			fn()
		}
	})
	protocol.Handle(r, func(protocol.SpeechStopped) {
		c.markRequested()
		if fn := c.callbacks.OnSpeechEnd; fn != nil {
			fn()
		}
	})
	protocol.Handle(r, func(ev protocol.InputAudioBufferCommitted) {
		c.debugf("input audio committed item=%s", ev.ItemID)
	})
	protocol.Handle(r, c.onInputTranscriptDelta)
	protocol.Handle(r, c.onInputTranscriptCompleted)
	protocol.Handle(r, c.onResponseCreated)
	protocol.Handle(r, c.onResponseTextDelta)
	protocol.Handle(r, c.onResponseTextDone)
	protocol.Handle(r, c.onResponseAudioDelta)
	protocol.Handle(r, func(ev protocol.ResponseAudioDone) {
		c.debugf("response audio done response=%s", ev.ResponseID)
	})
	protocol.Handle(r, c.onTranscriptDelta)
	protocol.Handle(r, c.onTranscriptDone)
	protocol.Handle(r, c.onResponseDone)
	protocol.Handle(r, c.onRemoteError)
	r.HandleUnknown(func(ev protocol.ServerEvent) {
		c.debugf("unhandled event %s", ev.EventType())
	})
}

func (c *Client) onInputTranscriptDelta(ev protocol.InputTranscriptionDelta) {
	c.mu.Lock()
	b, ok := c.transcripts[ev.ItemID]
	if !ok {
		b = &strings.Builder{}
		c.transcripts[ev.ItemID] = b
	}
	b.WriteString(ev.Delta)
	text := b.String()
	c.mu.Unlock()

	c.emitTranscription(Transcription{Role: RoleUser, ItemID: ev.ItemID, Delta: ev.Delta, Text: text})
}

func (c *Client) onInputTranscriptCompleted(ev protocol.InputTranscriptionCompleted) {
	c.mu.Lock()
	delete(c.transcripts, ev.ItemID)
	c.mu.Unlock()

	text := strings.TrimSpace(ev.Transcript)
	c.emitTranscription(Transcription{Role: RoleUser, ItemID: ev.ItemID, Text: text, Final: true})
	if text == "" {
		return
	}
	msg := newMessage(RoleUser, text)
	msg.ItemID = ev.ItemID
	c.appendMessage(msg)
}

func (c *Client) onResponseCreated(ev protocol.ResponseCreated) {
	c.mu.Lock()
	c.bufferLocked(ev.Response.ID)
	c.mu.Unlock()
}

// bufferLocked returns the buffer for a response id, creating it so that
// deltas arriving before response.created are not lost.
func (c *Client) bufferLocked(id string) *responseBuffer {
	b, ok := c.responses[id]
	if !ok {
		b = &responseBuffer{id: id, firstDelta: true}
		c.responses[id] = b
	}
	return b
}

// touch records the item id and, on the first delta, the latency since
// the last request for a response.
func (c *Client) touch(ref protocol.ContentRef) *responseBuffer {
	b := c.bufferLocked(ref.ResponseID)
	if b.itemID == "" {
		b.itemID = ref.ItemID
	}
	if b.firstDelta {
		b.firstDelta = false
		if !c.requestedAt.IsZero() {
			c.metrics.ObserveStage(observability.StageFirstResponse, time.Since(c.requestedAt))
			c.requestedAt = time.Time{}
		}
	}
	return b
}

func (c *Client) onResponseTextDelta(ev protocol.ResponseTextDelta) {
	c.mu.Lock()
	c.touch(ev.ContentRef).text.WriteString(ev.Delta)
	c.mu.Unlock()
}

func (c *Client) onResponseTextDone(ev protocol.ResponseTextDone) {
	c.mu.Lock()
	c.touch(ev.ContentRef).setText(ev.Text)
	c.mu.Unlock()
}

func (c *Client) onResponseAudioDelta(ev protocol.ResponseAudioDelta) {
	data, err := ev.Bytes()
	if err != nil {
		c.emitError(rterr.Protocol(err, "decode response audio"))
		return
	}
	c.mu.Lock()
	b := c.touch(ev.ContentRef)
	b.audio = append(b.audio, data...)
	c.mu.Unlock()
}

func (c *Client) onTranscriptDelta(ev protocol.ResponseAudioTranscriptDelta) {
	c.mu.Lock()
	b := c.touch(ev.ContentRef)
	b.transcript.WriteString(ev.Delta)
	text := b.transcript.String()
	c.mu.Unlock()

	c.emitTranscription(Transcription{Role: RoleAssistant, ItemID: ev.ItemID, Delta: ev.Delta, Text: text})
}

func (c *Client) onTranscriptDone(ev protocol.ResponseAudioTranscriptDone) {
	c.mu.Lock()
	c.touch(ev.ContentRef).setTranscript(ev.Transcript)
	c.mu.Unlock()

	c.emitTranscription(Transcription{Role: RoleAssistant, ItemID: ev.ItemID, Text: ev.Transcript, Final: true})
}

// onResponseDone finalizes the accumulated response into one assistant
// message. Responses with no content produce nothing.
func (c *Client) onResponseDone(ev protocol.ResponseDone) {
	c.mu.Lock()
	b, ok := c.responses[ev.Response.ID]
	delete(c.responses, ev.Response.ID)
	format := c.cfg.OutputAudioFormat
	c.mu.Unlock()

	if status := ev.Response.Status; status != "" && status != "completed" {
		c.debugf("response %s finished with status %s", ev.Response.ID, status)
	}
	if !ok || b.empty() {
		return
	}
	c.appendMessage(b.message(format))
}

func (c *Client) onRemoteError(ev protocol.ErrorEvent) {
	code := ev.Error.Code
	if code == "" {
		code = ev.Error.Type
	}
	err := rterr.Remote(code, ev.Error.Message)
	err.Retryable = reliability.IsRetryableRealtimeErrorType(ev.Error.Type)
	c.metrics.ObserveRemoteError(ev.Error.Type)
	c.emitError(err)
}

func (c *Client) emitTranscription(t Transcription) {
	if fn := c.callbacks.OnTranscription; fn != nil {
		fn(t)
	}
}

func (c *Client) markRequested() {
	c.mu.Lock()
	c.requestedAt = time.Now()
	c.mu.Unlock()
}
