package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/rtvoice/internal/bridge"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

// wsCommand is one inbound frame on the session stream.
type wsCommand struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Audio  string                `json:"audio,omitempty"`
	Config *realtime.ConfigPatch `json:"config,omitempty"`
	Event  json.RawMessage       `json:"event,omitempty"`
}

type wsReply struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Command   string        `json:"command,omitempty"`
	Error     *errorPayload `json:"error,omitempty"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleSessionWS streams notifications for one hosted session and accepts
// commands from the peer, including raw client events.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.gateway.Messages(id); err != nil {
		respondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	notes, unsubscribe := s.gateway.Hub().Subscribe(id)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan wsReply, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notes:
				if !ok {
					// Session ended.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
						time.Now().Add(time.Second))
					cancel()
					return
				}
				msg = n
			case reply := <-replies:
				msg = reply
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Str("session_id", id).Msg("websocket write failed")
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.runCommand(id, data)
		select {
		case replies <- reply:
		default:
			// Keep websocket writes single-threaded; drop if the reply queue is saturated.
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) runCommand(id string, data []byte) wsReply {
	var cmd wsCommand
	reply := wsReply{Type: "ack", SessionID: id}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return failed(reply, rterr.Protocol(err, "invalid command frame"))
	}
	reply.Command = cmd.Type

	var err error
	switch cmd.Type {
	case "text":
		err = s.gateway.SendText(id, cmd.Text)
	case "append_audio":
		var pcm []byte
		pcm, err = base64.StdEncoding.DecodeString(cmd.Audio)
		if err != nil {
			err = rterr.Protocol(err, "audio must be base64")
			break
		}
		err = s.gateway.AppendAudio(id, pcm)
	case "commit_audio":
		err = s.gateway.CommitAudio(id)
	case "clear_audio":
		err = s.gateway.ClearAudio(id)
	case "update_config":
		if cmd.Config == nil {
			err = rterr.Config("update_config requires a config object")
			break
		}
		_, err = s.gateway.UpdateConfig(id, *cmd.Config)
	case "client_event":
		if len(cmd.Event) == 0 {
			err = rterr.Protocol(nil, "client_event requires an event object")
			break
		}
		err = s.gateway.SendEvent(id, cmd.Event)
	case "ping":
	default:
		err = rterr.Protocol(nil, "unknown command "+cmd.Type)
	}
	if err != nil {
		return failed(reply, err)
	}
	return reply
}

func failed(reply wsReply, err error) wsReply {
	reply.Type = string(bridge.TypeError)
	kind := string(rterr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	reply.Error = &errorPayload{Kind: kind, Message: rterr.UserMessage(err)}
	return reply
}
