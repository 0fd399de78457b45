package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/bridge"
	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/transcript"
)

func newBackend(t *testing.T, tokenStatus *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if status := int(tokenStatus.Load()); status != 0 && status != http.StatusOK {
			http.Error(w, "down", status)
			return
		}
		_, _ = fmt.Fprintf(w, `{"value":"ek_test","expires_at":%d}`, time.Now().Add(time.Minute).Unix())
	})
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0\r\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, mutate func(*realtime.Config)) (*Service, *rtc.MockFactory, *transcript.InMemoryStore, *atomic.Int32) {
	t.Helper()
	var tokenStatus atomic.Int32
	srv := newBackend(t, &tokenStatus)
	cfg := realtime.DefaultConfig(srv.URL + "/token")
	cfg.BaseURL = srv.URL + "/v1/realtime"
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	peers := rtc.NewMockFactory()
	store := transcript.NewInMemoryStore()
	svc, err := New(cfg, Options{
		Logger:      logging.Nop(),
		Peers:       peers,
		AudioSource: audio.SilenceSource{},
		Sessions:    session.NewManager(time.Minute),
		Store:       store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, peers, store, &tokenStatus
}

func TestOpenSendAndEnd(t *testing.T) {
	svc, peers, store, _ := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.Open(ctx, session.CreateRequest{UserID: "u1", Voice: "verse"})
	require.NoError(t, err)
	assert.Equal(t, "connected", sess.ConnectionState)
	assert.Equal(t, "verse", sess.Voice)

	notes, cancel := svc.Hub().Subscribe(sess.ID)
	defer cancel()

	require.NoError(t, svc.SendText(sess.ID, "call me at sam@example.com"))
	note := <-notes
	assert.Equal(t, bridge.TypeMessage, note.Type)

	require.Eventually(t, func() bool {
		turns, _ := store.SessionTurns(ctx, sess.ID)
		return len(turns) == 1
	}, time.Second, 5*time.Millisecond)
	turns, _ := store.SessionTurns(ctx, sess.ID)
	assert.True(t, turns[0].PIIRedacted)
	assert.Contains(t, turns[0].Content, "[REDACTED_EMAIL]")

	ended, err := svc.End(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)
	assert.True(t, peers.Last().Closed())

	sum, err := store.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Turns)
	assert.Equal(t, "u1", sum.UserID)

	assert.ErrorIs(t, svc.SendText(sess.ID, "again"), session.ErrEnded)
	assert.ErrorIs(t, svc.SendText("missing", "hi"), session.ErrNotFound)
}

func TestOpenFailureEndsSession(t *testing.T) {
	svc, _, _, tokenStatus := newTestService(t, func(c *realtime.Config) { c.AutoReconnect = false })
	tokenStatus.Store(http.StatusUnauthorized)

	sess, err := svc.Open(context.Background(), session.CreateRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.True(t, rterr.Is(err, rterr.KindCredential))
	assert.Empty(t, svc.Sessions().ActiveForUser("u1"))
}

func TestOpenRejectsInvalidVoice(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	_, err := svc.Open(context.Background(), session.CreateRequest{Voice: "robot"})
	assert.True(t, rterr.Is(err, rterr.KindConfig))
	assert.Equal(t, 0, svc.Sessions().ActiveCount())
}

func TestUpdateConfigReturnsMergedConfig(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	sess, err := svc.Open(context.Background(), session.CreateRequest{})
	require.NoError(t, err)

	vad := false
	cfg, err := svc.UpdateConfig(sess.ID, realtime.ConfigPatch{VADEnabled: &vad})
	require.NoError(t, err)
	assert.False(t, cfg.VAD.Enabled)

	usage, err := svc.Usage(sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, usage.ConnectedAt)
}
