package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/realtime"
)

type listVoicesResponse struct {
	DefaultVoice string   `json:"default_voice"`
	Voices       []string `json:"voices"`
	AudioFormats []string `json:"audio_formats"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	def := strings.TrimSpace(s.cfg.Voice)
	if def == "" {
		def = realtime.DefaultVoice
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoice: def,
		Voices:       append([]string(nil), realtime.Voices...),
		AudioFormats: []string{string(audio.FormatPCM16), string(audio.FormatG711ULaw), string(audio.FormatG711ALaw)},
	})
}

// handleMessageAudio serves an assistant message's audio as a WAV file.
func (s *Server) handleMessageAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")
	msgs, err := s.gateway.Messages(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if m.Audio == nil || len(m.Audio.Data) == 0 {
			respondError(w, http.StatusNotFound, "no_audio", "message has no audio")
			return
		}
		wav, err := audio.EncodeWAV(m.Audio.Data, m.Audio.Format)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wav)
		return
	}
	respondError(w, http.StatusNotFound, "message_not_found", "message not found")
}
