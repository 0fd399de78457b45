package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ServerEvent is any parsed inbound event. Unknown covers types this
// package does not model.
type ServerEvent interface {
	EventType() EventType
	serverEvent()
}

type SessionInfo struct {
	ID                string `json:"id"`
	Model             string `json:"model,omitempty"`
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format,omitempty"`
	OutputAudioFormat string `json:"output_audio_format,omitempty"`
	ExpiresAt         int64  `json:"expires_at,omitempty"`
}

type SessionCreated struct {
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

type SessionUpdated struct {
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

type SpeechStarted struct {
	EventID      string `json:"event_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStopped struct {
	EventID    string `json:"event_id"`
	AudioEndMS int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type InputAudioBufferCommitted struct {
	EventID        string `json:"event_id"`
	PreviousItemID string `json:"previous_item_id"`
	ItemID         string `json:"item_id"`
}

type InputTranscriptionDelta struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type InputTranscriptionCompleted struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type TokenDetails struct {
	TextTokens   int `json:"text_tokens"`
	AudioTokens  int `json:"audio_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

type Usage struct {
	TotalTokens        int          `json:"total_tokens"`
	InputTokens        int          `json:"input_tokens"`
	OutputTokens       int          `json:"output_tokens"`
	InputTokenDetails  TokenDetails `json:"input_token_details"`
	OutputTokenDetails TokenDetails `json:"output_token_details"`
}

type StatusDetails struct {
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ResponseInfo struct {
	ID            string             `json:"id"`
	Status        string             `json:"status,omitempty"`
	StatusDetails *StatusDetails     `json:"status_details,omitempty"`
	Output        []ConversationItem `json:"output,omitempty"`
	Usage         *Usage             `json:"usage,omitempty"`
}

type ResponseCreated struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

type ResponseDone struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

// ContentRef locates a content part inside a response.
type ContentRef struct {
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

type ResponseTextDelta struct {
	EventID string `json:"event_id"`
	ContentRef
	Delta string `json:"delta"`
}

type ResponseTextDone struct {
	EventID string `json:"event_id"`
	ContentRef
	Text string `json:"text"`
}

// ResponseAudioDelta carries base64 audio in the session output format.
type ResponseAudioDelta struct {
	EventID string `json:"event_id"`
	ContentRef
	Delta string `json:"delta"`
}

func (e ResponseAudioDelta) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Delta)
}

type ResponseAudioDone struct {
	EventID string `json:"event_id"`
	ContentRef
}

type ResponseAudioTranscriptDelta struct {
	EventID string `json:"event_id"`
	ContentRef
	Delta string `json:"delta"`
}

type ResponseAudioTranscriptDone struct {
	EventID string `json:"event_id"`
	ContentRef
	Transcript string `json:"transcript"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type ErrorEvent struct {
	EventID string      `json:"event_id"`
	Error   ErrorDetail `json:"error"`
}

// Unknown is any well-formed event whose type is not modeled here.
type Unknown struct {
	Type EventType
	Raw  json.RawMessage
}

func (SessionCreated) EventType() EventType               { return TypeSessionCreated }
func (SessionUpdated) EventType() EventType               { return TypeSessionUpdated }
func (SpeechStarted) EventType() EventType                { return TypeSpeechStarted }
func (SpeechStopped) EventType() EventType                { return TypeSpeechStopped }
func (InputAudioBufferCommitted) EventType() EventType    { return TypeInputAudioBufferCommitted }
func (InputTranscriptionDelta) EventType() EventType      { return TypeInputTranscriptionDelta }
func (InputTranscriptionCompleted) EventType() EventType  { return TypeInputTranscriptionCompleted }
func (ResponseCreated) EventType() EventType              { return TypeResponseCreated }
func (ResponseDone) EventType() EventType                 { return TypeResponseDone }
func (ResponseTextDelta) EventType() EventType            { return TypeResponseTextDelta }
func (ResponseTextDone) EventType() EventType             { return TypeResponseTextDone }
func (ResponseAudioDelta) EventType() EventType           { return TypeResponseAudioDelta }
func (ResponseAudioDone) EventType() EventType            { return TypeResponseAudioDone }
func (ResponseAudioTranscriptDelta) EventType() EventType { return TypeResponseAudioTranscriptDelta }
func (ResponseAudioTranscriptDone) EventType() EventType  { return TypeResponseAudioTranscriptDone }
func (ErrorEvent) EventType() EventType                   { return TypeError }
func (u Unknown) EventType() EventType                    { return u.Type }

func (SessionCreated) serverEvent()               {}
func (SessionUpdated) serverEvent()               {}
func (SpeechStarted) serverEvent()                {}
func (SpeechStopped) serverEvent()                {}
func (InputAudioBufferCommitted) serverEvent()    {}
func (InputTranscriptionDelta) serverEvent()      {}
func (InputTranscriptionCompleted) serverEvent()  {}
func (ResponseCreated) serverEvent()              {}
func (ResponseDone) serverEvent()                 {}
func (ResponseTextDelta) serverEvent()            {}
func (ResponseTextDone) serverEvent()             {}
func (ResponseAudioDelta) serverEvent()           {}
func (ResponseAudioDone) serverEvent()            {}
func (ResponseAudioTranscriptDelta) serverEvent() {}
func (ResponseAudioTranscriptDone) serverEvent()  {}
func (ErrorEvent) serverEvent()                   {}
func (Unknown) serverEvent()                      {}

var serverDecoders = map[EventType]func([]byte) (ServerEvent, error){
	TypeSessionCreated:               decode[SessionCreated],
	TypeSessionUpdated:               decode[SessionUpdated],
	TypeSpeechStarted:                decode[SpeechStarted],
	TypeSpeechStopped:                decode[SpeechStopped],
	TypeInputAudioBufferCommitted:    decode[InputAudioBufferCommitted],
	TypeInputTranscriptionDelta:      decode[InputTranscriptionDelta],
	TypeInputTranscriptionCompleted:  decode[InputTranscriptionCompleted],
	TypeResponseCreated:              decode[ResponseCreated],
	TypeResponseDone:                 decode[ResponseDone],
	TypeResponseTextDelta:            decode[ResponseTextDelta],
	TypeResponseTextDone:             decode[ResponseTextDone],
	TypeResponseAudioDelta:           decode[ResponseAudioDelta],
	TypeResponseAudioDone:            decode[ResponseAudioDone],
	TypeResponseAudioTranscriptDelta: decode[ResponseAudioTranscriptDelta],
	TypeResponseAudioTranscriptDone:  decode[ResponseAudioTranscriptDone],
	TypeError:                        decode[ErrorEvent],
}

func decode[E ServerEvent](raw []byte) (ServerEvent, error) {
	var ev E
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Known reports whether t has a typed representation.
func Known(t EventType) bool {
	_, ok := serverDecoders[t]
	return ok
}

// ParseServerEvent decodes one inbound payload. Unmodeled types come back
// as Unknown with a nil error.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	dec, ok := serverDecoders[env.Type]
	if !ok {
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	ev, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// ParseClientEvent decodes an outbound-shaped payload, used by hosts that
// relay client events from a browser.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var ev ClientEvent
	switch env.Type {
	case TypeSessionUpdate:
		ev = &SessionUpdate{}
	case TypeInputAudioBufferAppend:
		ev = &InputAudioBufferAppend{}
	case TypeInputAudioBufferCommit:
		ev = &InputAudioBufferCommit{}
	case TypeInputAudioBufferClear:
		ev = &InputAudioBufferClear{}
	case TypeConversationItemCreate:
		ev = &ConversationItemCreate{}
	case TypeResponseCreate:
		ev = &ResponseCreate{}
	case "":
		return nil, ErrMissingType
	default:
		return nil, ErrUnsupportedType
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}
