// Package audio owns local capture, remote playback binding and the byte
// arithmetic of the realtime audio formats.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Format is a realtime session audio format.
type Format string

const (
	FormatPCM16    Format = "pcm16"
	FormatG711ULaw Format = "g711_ulaw"
	FormatG711ALaw Format = "g711_alaw"
)

// ParseFormat normalizes s; the empty string yields pcm16.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatPCM16, nil
	}
	if !f.Valid() {
		return "", fmt.Errorf("unsupported audio format %q", s)
	}
	return f, nil
}

func (f Format) Valid() bool {
	switch f {
	case FormatPCM16, FormatG711ULaw, FormatG711ALaw:
		return true
	default:
		return false
	}
}

// SampleRate is 24 kHz for pcm16 and 8 kHz for G.711.
func (f Format) SampleRate() int {
	switch f {
	case FormatG711ULaw, FormatG711ALaw:
		return 8000
	default:
		return 24000
	}
}

func (f Format) BytesPerSample() int {
	switch f {
	case FormatG711ULaw, FormatG711ALaw:
		return 1
	default:
		return 2
	}
}

// Duration is samples / sampleRate for byteLen bytes of mono audio.
func (f Format) Duration(byteLen int) time.Duration {
	if byteLen <= 0 {
		return 0
	}
	perSecond := int64(f.SampleRate() * f.BytesPerSample())
	return time.Duration(int64(byteLen) * int64(time.Second) / perSecond)
}

// Seconds is Duration as a float, without rounding to nanoseconds.
func (f Format) Seconds(byteLen int) float64 {
	if byteLen <= 0 {
		return 0
	}
	return float64(byteLen) / float64(f.SampleRate()*f.BytesPerSample())
}
