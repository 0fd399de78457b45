package realtime

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/rtvoice/internal/audio"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageAudio struct {
	Data       []byte       `json:"-"`
	Format     audio.Format `json:"format"`
	DurationMS int64        `json:"duration_ms"`
}

// Message is one finished conversation entry.
type Message struct {
	ID         string        `json:"id"`
	Role       Role          `json:"role"`
	Text       string        `json:"text,omitempty"`
	Audio      *MessageAudio `json:"audio,omitempty"`
	ResponseID string        `json:"response_id,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func newMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// Transcription is a partial or final transcript notification.
type Transcription struct {
	Role   Role   `json:"role"`
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`
	Text   string `json:"text"`
	Final  bool   `json:"final"`
}

// responseBuffer accumulates the deltas of one response in arrival order.
// Done events replace the accumulated value with the authoritative one.
type responseBuffer struct {
	id         string
	itemID     string
	text       strings.Builder
	transcript strings.Builder
	audio      []byte
	firstDelta bool
}

func (b *responseBuffer) setText(s string) {
	b.text.Reset()
	b.text.WriteString(s)
}

func (b *responseBuffer) setTranscript(s string) {
	b.transcript.Reset()
	b.transcript.WriteString(s)
}

func (b *responseBuffer) empty() bool {
	return b.text.Len() == 0 && b.transcript.Len() == 0 && len(b.audio) == 0
}

// message finalizes the buffer. Text falls back to the audio transcript.
func (b *responseBuffer) message(format audio.Format) Message {
	text := b.text.String()
	if text == "" {
		text = b.transcript.String()
	}
	msg := newMessage(RoleAssistant, text)
	msg.ResponseID = b.id
	msg.ItemID = b.itemID
	if len(b.audio) > 0 {
		msg.Audio = &MessageAudio{
			Data:       b.audio,
			Format:     format,
			DurationMS: format.Duration(len(b.audio)).Milliseconds(),
		}
	}
	return msg
}
