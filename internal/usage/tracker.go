// Package usage meters audio seconds and tokens from the realtime event
// stream and prices them.
package usage

import (
	"sync"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Rates are published prices in USD.
type Rates struct {
	AudioInputPerMinute  float64 `json:"audio_input_per_minute"`
	AudioOutputPerMinute float64 `json:"audio_output_per_minute"`
	TextInputPerMillion  float64 `json:"text_input_per_million"`
	TextOutputPerMillion float64 `json:"text_output_per_million"`
}

func DefaultRates() Rates {
	return Rates{
		AudioInputPerMinute:  0.06,
		AudioOutputPerMinute: 0.24,
		TextInputPerMillion:  5,
		TextOutputPerMillion: 20,
	}
}

type Costs struct {
	AudioInput  float64 `json:"audio_input"`
	AudioOutput float64 `json:"audio_output"`
	TextInput   float64 `json:"text_input"`
	TextOutput  float64 `json:"text_output"`
}

func (c Costs) Total() float64 {
	return c.AudioInput + c.AudioOutput + c.TextInput + c.TextOutput
}

type Metrics struct {
	AudioInputSeconds  float64    `json:"audio_input_seconds"`
	AudioOutputSeconds float64    `json:"audio_output_seconds"`
	TextInputTokens    int        `json:"text_input_tokens"`
	TextOutputTokens   int        `json:"text_output_tokens"`
	AudioInputTokens   int        `json:"audio_input_tokens"`
	AudioOutputTokens  int        `json:"audio_output_tokens"`
	Costs              Costs      `json:"costs"`
	TotalCost          float64    `json:"total_cost"`
	ConnectedAt        *time.Time `json:"connected_at,omitempty"`
}

// Tracker accumulates Metrics. Counters only grow until Reset.
type Tracker struct {
	mu           sync.Mutex
	rates        Rates
	inputFormat  audio.Format
	outputFormat audio.Format
	metrics      Metrics
	speechStarts map[string]int64
	// appended marks an input buffer fed by input_audio_buffer.append;
	// VAD spans over it are not counted twice.
	appended  bool
	listeners []func(Metrics)
}

func NewTracker(rates Rates, input, output audio.Format) *Tracker {
	return &Tracker{
		rates:        rates,
		inputFormat:  validFormat(input),
		outputFormat: validFormat(output),
		speechStarts: make(map[string]int64),
	}
}

func validFormat(f audio.Format) audio.Format {
	if !f.Valid() {
		return audio.FormatPCM16
	}
	return f
}

// SetFormats follows session.update format changes.
func (t *Tracker) SetFormats(input, output audio.Format) {
	t.mu.Lock()
	t.inputFormat = validFormat(input)
	t.outputFormat = validFormat(output)
	t.mu.Unlock()
}

// OnUpdate registers a push listener called after every mutation.
func (t *Tracker) OnUpdate(fn func(Metrics)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Metrics {
	out := t.metrics
	if out.ConnectedAt != nil {
		at := *out.ConnectedAt
		out.ConnectedAt = &at
	}
	return out
}

// Reset zeroes every counter and clears ConnectedAt.
func (t *Tracker) Reset() {
	t.update(func() bool {
		t.metrics = Metrics{}
		t.speechStarts = make(map[string]int64)
		t.appended = false
		return true
	})
}

// MarkConnected records the first connection time since the last Reset.
func (t *Tracker) MarkConnected(at time.Time) {
	t.update(func() bool {
		if t.metrics.ConnectedAt != nil {
			return false
		}
		t.metrics.ConnectedAt = &at
		return true
	})
}

// ObserveOutbound meters audio this client appends to the input buffer.
func (t *Tracker) ObserveOutbound(ev protocol.ClientEvent) {
	switch e := ev.(type) {
	case *protocol.InputAudioBufferAppend:
		data, err := e.Bytes()
		if err != nil || len(data) == 0 {
			return
		}
		t.update(func() bool {
			t.appended = true
			t.metrics.AudioInputSeconds += t.inputFormat.Seconds(len(data))
			return true
		})
	case *protocol.InputAudioBufferClear:
		t.mu.Lock()
		t.appended = false
		t.mu.Unlock()
	}
}

// AddOutputAudio meters assistant audio played from the remote track.
func (t *Tracker) AddOutputAudio(d time.Duration) {
	if d <= 0 {
		return
	}
	t.update(func() bool {
		t.metrics.AudioOutputSeconds += d.Seconds()
		return true
	})
}

// ObserveInbound meters speech spans, assistant audio and response usage.
func (t *Tracker) ObserveInbound(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.SpeechStarted:
		t.mu.Lock()
		t.speechStarts[e.ItemID] = e.AudioStartMS
		t.mu.Unlock()
	case protocol.SpeechStopped:
		t.update(func() bool {
			start, ok := t.speechStarts[e.ItemID]
			delete(t.speechStarts, e.ItemID)
			if !ok || t.appended || e.AudioEndMS <= start {
				return false
			}
			t.metrics.AudioInputSeconds += float64(e.AudioEndMS-start) / 1000
			return true
		})
	case protocol.InputAudioBufferCommitted:
		t.mu.Lock()
		t.appended = false
		t.mu.Unlock()
	case protocol.ResponseAudioDelta:
		data, err := e.Bytes()
		if err != nil || len(data) == 0 {
			return
		}
		t.update(func() bool {
			t.metrics.AudioOutputSeconds += t.outputFormat.Seconds(len(data))
			return true
		})
	case protocol.ResponseDone:
		u := e.Response.Usage
		if u == nil {
			return
		}
		t.update(func() bool {
			t.metrics.TextInputTokens += u.InputTokenDetails.TextTokens
			t.metrics.TextOutputTokens += u.OutputTokenDetails.TextTokens
			t.metrics.AudioInputTokens += u.InputTokenDetails.AudioTokens
			t.metrics.AudioOutputTokens += u.OutputTokenDetails.AudioTokens
			return true
		})
	}
}

// update runs mutate under the lock, reprices, and notifies listeners
// outside the lock when mutate reports a change.
func (t *Tracker) update(mutate func() bool) {
	t.mu.Lock()
	if !mutate() {
		t.mu.Unlock()
		return
	}
	t.repriceLocked()
	snap := t.snapshotLocked()
	listeners := t.listeners
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (t *Tracker) repriceLocked() {
	m := &t.metrics
	m.Costs = Costs{
		AudioInput:  m.AudioInputSeconds * t.rates.AudioInputPerMinute / 60,
		AudioOutput: m.AudioOutputSeconds * t.rates.AudioOutputPerMinute / 60,
		TextInput:   float64(m.TextInputTokens) * t.rates.TextInputPerMillion / 1e6,
		TextOutput:  float64(m.TextOutputTokens) * t.rates.TextOutputPerMillion / 1e6,
	}
	m.TotalCost = m.Costs.Total()
}
