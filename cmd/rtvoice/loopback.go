package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/rtvoice/internal/rtc"
)

const loopbackAnswer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=loopback\r\n"

// loopback stands in for the realtime service: it serves the token and
// negotiation endpoints locally and answers each user turn with an echo.
type loopback struct {
	srv   *httptest.Server
	peers *rtc.MockFactory
	turns atomic.Int64
}

func newLoopback() *loopback {
	l := &loopback{peers: rtc.NewMockFactory()}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"client_secret":{"value":"ek_loopback","expires_at":%d}}`,
			time.Now().Add(time.Minute).Unix())
	})
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(loopbackAnswer))
	})
	l.srv = httptest.NewServer(mux)
	return l
}

func (l *loopback) TokenURL() string        { return l.srv.URL + "/token" }
func (l *loopback) BaseURL() string         { return l.srv.URL + "/v1/realtime" }
func (l *loopback) Peers() *rtc.MockFactory { return l.peers }
func (l *loopback) Close()                  { l.srv.Close() }

// Echo plays back one response carrying text plus 100ms of pcm16 silence.
func (l *loopback) Echo(text string) {
	peer := l.peers.Last()
	if peer == nil {
		return
	}
	ch := peer.Channel()
	n := l.turns.Add(1)
	respID := fmt.Sprintf("resp_%d", n)
	itemID := "item_" + uuid.NewString()
	silence := base64.StdEncoding.EncodeToString(make([]byte, 4800))

	events := []map[string]any{
		{"type": "response.created", "response": map[string]any{"id": respID}},
		{"type": "response.text.delta", "response_id": respID, "item_id": itemID, "delta": text},
		{"type": "response.audio.delta", "response_id": respID, "item_id": itemID, "delta": silence},
		{"type": "response.done", "response": map[string]any{"id": respID, "status": "completed"}},
	}
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		ch.Receive(raw)
	}
}
