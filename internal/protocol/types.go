// Package protocol holds the realtime event vocabulary exchanged over the
// data channel and the router that dispatches inbound events.
package protocol

import "errors"

// EventType is the "type" tag of every data channel event.
type EventType string

// Outbound.
const (
	TypeSessionUpdate          EventType = "session.update"
	TypeInputAudioBufferAppend EventType = "input_audio_buffer.append"
	TypeInputAudioBufferCommit EventType = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  EventType = "input_audio_buffer.clear"
	TypeConversationItemCreate EventType = "conversation.item.create"
	TypeResponseCreate         EventType = "response.create"
)

// Inbound.
const (
	TypeSessionCreated               EventType = "session.created"
	TypeSessionUpdated               EventType = "session.updated"
	TypeSpeechStarted                EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped                EventType = "input_audio_buffer.speech_stopped"
	TypeInputAudioBufferCommitted    EventType = "input_audio_buffer.committed"
	TypeInputTranscriptionDelta      EventType = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptionCompleted  EventType = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated              EventType = "response.created"
	TypeResponseDone                 EventType = "response.done"
	TypeResponseTextDelta            EventType = "response.text.delta"
	TypeResponseTextDone             EventType = "response.text.done"
	TypeResponseAudioDelta           EventType = "response.audio.delta"
	TypeResponseAudioDone            EventType = "response.audio.done"
	TypeResponseAudioTranscriptDelta EventType = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone  EventType = "response.audio_transcript.done"
	TypeError                        EventType = "error"
)

var (
	ErrMissingType     = errors.New("event has no type")
	ErrUnsupportedType = errors.New("unsupported event type")
)

type Envelope struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}
