package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/transcript"
)

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.gateway.Open(r.Context(), req)
	if err != nil && sess == nil {
		respondErr(w, err)
		return
	}
	status := http.StatusCreated
	if err != nil {
		// The first attempt failed but the client is still reconnecting.
		status = http.StatusAccepted
	}
	respondJSON(w, status, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		ConnectionState: sess.ConnectionState,
		Model:           sess.Model,
		Voice:           sess.Voice,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.gateway.Sessions().InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.gateway.Get(sessionID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type sendTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"text\": ...}")
		return
	}
	if err := s.gateway.SendText(sessionID(r), req.Text); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch realtime.ConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a config patch object")
		return
	}
	cfg, err := s.gateway.UpdateConfig(sessionID(r), patch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"voice":               cfg.Voice,
		"instructions":        cfg.Instructions,
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"vad":                 cfg.VAD,
		"transcription_model": cfg.TranscriptionModel,
		"auto_reconnect":      cfg.AutoReconnect,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	m, err := s.gateway.Usage(sessionID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.gateway.Messages(sessionID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []realtime.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.ClearMessages(sessionID(r)); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript returns what was persisted for a session, including
// sessions that already ended.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	store := s.gateway.Store()
	if store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	if _, err := s.gateway.Get(id); err != nil {
		respondErr(w, err)
		return
	}
	turns, err := store.SessionTurns(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	out := map[string]any{"session_id": id, "turns": turns}
	if sum, err := store.Summary(r.Context(), id); err == nil {
		out["summary"] = sum
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.gateway.End(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
