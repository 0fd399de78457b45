package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientEvent is the closed set of events this client sends. The set is
// sealed by the unexported stamp method.
type ClientEvent interface {
	EventType() EventType
	stamp()
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type InputTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// SessionConfig is the session payload of session.update. A nil
// TurnDetection is sent as null, which disables server VAD.
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection"`
	Temperature             float64             `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Type    EventType     `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type InputAudioBufferAppend struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
	Audio   string    `json:"audio"`
}

// NewAudioAppend base64-encodes raw audio in the session input format.
func NewAudioAppend(audio []byte) *InputAudioBufferAppend {
	return &InputAudioBufferAppend{Audio: base64.StdEncoding.EncodeToString(audio)}
}

// Bytes decodes the appended audio.
func (e *InputAudioBufferAppend) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Audio)
}

type InputAudioBufferCommit struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}

type InputAudioBufferClear struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ConversationItemCreate struct {
	Type           EventType        `json:"type"`
	EventID        string           `json:"event_id,omitempty"`
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           ConversationItem `json:"item"`
}

// NewUserText builds a user message item carrying input_text.
func NewUserText(text string) *ConversationItemCreate {
	return &ConversationItemCreate{
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	Type     EventType        `json:"type"`
	EventID  string           `json:"event_id,omitempty"`
	Response *ResponseOptions `json:"response,omitempty"`
}

func (*SessionUpdate) EventType() EventType          { return TypeSessionUpdate }
func (*InputAudioBufferAppend) EventType() EventType { return TypeInputAudioBufferAppend }
func (*InputAudioBufferCommit) EventType() EventType { return TypeInputAudioBufferCommit }
func (*InputAudioBufferClear) EventType() EventType  { return TypeInputAudioBufferClear }
func (*ConversationItemCreate) EventType() EventType { return TypeConversationItemCreate }
func (*ResponseCreate) EventType() EventType         { return TypeResponseCreate }

func (e *SessionUpdate) stamp()          { e.Type = TypeSessionUpdate; e.EventID = eventID(e.EventID) }
func (e *InputAudioBufferAppend) stamp() { e.Type = TypeInputAudioBufferAppend; e.EventID = eventID(e.EventID) }
func (e *InputAudioBufferCommit) stamp() { e.Type = TypeInputAudioBufferCommit; e.EventID = eventID(e.EventID) }
func (e *InputAudioBufferClear) stamp()  { e.Type = TypeInputAudioBufferClear; e.EventID = eventID(e.EventID) }
func (e *ConversationItemCreate) stamp() { e.Type = TypeConversationItemCreate; e.EventID = eventID(e.EventID) }
func (e *ResponseCreate) stamp()         { e.Type = TypeResponseCreate; e.EventID = eventID(e.EventID) }

func eventID(current string) string {
	if current != "" {
		return current
	}
	return "evt_" + uuid.NewString()
}

// EncodeClientEvent stamps the type tag and event id, then marshals.
func EncodeClientEvent(ev ClientEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode client event: nil event")
	}
	ev.stamp()
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return raw, nil
}
