package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/bridge"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/session"
)

type replayOptions struct {
	baseURL     string
	userID      string
	voice       string
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	interTurn   time.Duration
	texts       []string
	wavs        []string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

// replayTurn is either a text turn or a pcm16 clip at 24 kHz.
type replayTurn struct {
	Text string
	PCM  []byte
}

// replayFrame covers both notifications and command replies on the session stream.
type replayFrame struct {
	Type    bridge.Type          `json:"type"`
	Command string               `json:"command,omitempty"`
	Message *realtime.Message    `json:"message,omitempty"`
	Error   *bridge.ErrorPayload `json:"error,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions
	var textsRaw string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay synthetic turns against a running gateway and report latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("base-url is required")
			}
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			if opts.chunkMS < 10 || opts.chunkMS > 2000 {
				return fmt.Errorf("chunk-ms must be in [10,2000]")
			}
			if opts.realtime <= 0 {
				return fmt.Errorf("realtime must be > 0")
			}
			for _, part := range strings.Split(textsRaw, "|") {
				if t := strings.TrimSpace(part); t != "" {
					opts.texts = append(opts.texts, t)
				}
			}
			if len(opts.texts) == 0 && len(opts.wavs) == 0 {
				opts.texts = append([]string(nil), defaultUtterances...)
			}
			report, err := runReplay(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	f.StringVar(&opts.userID, "user-id", "perf-replay", "user_id for the synthetic session")
	f.StringVar(&opts.voice, "voice", "", "optional voice for the session")
	f.IntVar(&opts.turns, "turns", 10, "number of turns to replay")
	f.IntVar(&opts.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	f.Float64Var(&opts.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each assistant message")
	f.DurationVar(&opts.interTurn, "inter-turn", 180*time.Millisecond, "delay between turns")
	f.StringVar(&textsRaw, "texts", "", "utterances separated by '|'")
	f.StringSliceVar(&opts.wavs, "wav", nil, "16-bit PCM WAV files replayed as spoken turns")
	f.BoolVar(&opts.verbose, "verbose", false, "print replay progress")
	return cmd
}

type replayReport struct {
	SessionID string
	Latencies []time.Duration
	Failures  int
}

func (r replayReport) print(out io.Writer) {
	fmt.Fprintf(out, "session=%s turns=%d failures=%d\n", r.SessionID, len(r.Latencies)+r.Failures, r.Failures)
	if len(r.Latencies) == 0 {
		return
	}
	fmt.Fprintf(out, "turn latency p50=%s p95=%s max=%s\n",
		percentile(r.Latencies, 0.50), percentile(r.Latencies, 0.95), percentile(r.Latencies, 1))
}

func percentile(samples []time.Duration, q float64) time.Duration {
	s := append([]time.Duration(nil), samples...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := int(q*float64(len(s)-1) + 0.5)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx].Round(time.Millisecond)
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) (replayReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 8*time.Minute)
	defer cancel()

	turns, err := loadTurns(opts)
	if err != nil {
		return replayReport{}, err
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createReplaySession(ctx, httpClient, opts)
	if err != nil {
		return replayReport{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endReplaySession(context.Background(), httpClient, opts.baseURL, sessionID)
	}()
	report := replayReport{SessionID: sessionID}

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return report, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	replies := make(chan replayFrame, 32)
	readErr := make(chan error, 1)
	go replayReadLoop(conn, replies, readErr)

	for i := 0; i < opts.turns; i++ {
		turn := turns[i%len(turns)]
		if opts.verbose {
			fmt.Fprintf(out, "turn %d/%d text=%q audio_bytes=%d\n", i+1, opts.turns, turn.Text, len(turn.PCM))
		}
		start, err := sendReplayTurn(conn, turn, opts)
		if err != nil {
			return report, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if err := awaitAssistant(replies, readErr, opts.turnTimeout); err != nil {
			report.Failures++
			if opts.verbose {
				fmt.Fprintf(out, "turn %d failed: %v\n", i+1, err)
			}
		} else {
			report.Latencies = append(report.Latencies, time.Since(start))
		}
		if opts.interTurn > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurn)
		}
	}
	return report, nil
}

func loadTurns(opts replayOptions) ([]replayTurn, error) {
	var turns []replayTurn
	for _, t := range opts.texts {
		turns = append(turns, replayTurn{Text: t})
	}
	for _, path := range opts.wavs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pcm, rate, err := audio.DecodeWAVPCM16(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		turns = append(turns, replayTurn{PCM: audio.ResamplePCM16(pcm, rate, audio.FormatPCM16.SampleRate())})
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("no turns to replay")
	}
	return turns, nil
}

func createReplaySession(ctx context.Context, client *http.Client, opts replayOptions) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{UserID: opts.userID, Voice: strings.TrimSpace(opts.voice)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/realtime/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var created session.CreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return created.SessionID, nil
}

func endReplaySession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/realtime/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func replayReadLoop(conn *websocket.Conn, frames chan<- replayFrame, readErr chan<- error) {
	for {
		var f replayFrame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		select {
		case frames <- f:
		default:
		}
	}
}

// sendReplayTurn writes one turn and returns the instant the turn was
// complete on the wire.
func sendReplayTurn(conn *websocket.Conn, turn replayTurn, opts replayOptions) (time.Time, error) {
	if turn.Text != "" {
		err := conn.WriteJSON(map[string]string{"type": "text", "text": turn.Text})
		return time.Now(), err
	}
	rate := audio.FormatPCM16.SampleRate()
	chunk := rate * 2 * opts.chunkMS / 1000
	chunk -= chunk % 2
	for off := 0; off < len(turn.PCM); off += chunk {
		end := min(off+chunk, len(turn.PCM))
		err := conn.WriteJSON(map[string]string{
			"type":  "append_audio",
			"audio": base64.StdEncoding.EncodeToString(turn.PCM[off:end]),
		})
		if err != nil {
			return time.Time{}, err
		}
		pace := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(rate*2)) / opts.realtime)
		time.Sleep(max(pace, 10*time.Millisecond))
	}
	err := conn.WriteJSON(map[string]string{"type": "commit_audio"})
	return time.Now(), err
}

func awaitAssistant(frames <-chan replayFrame, readErr <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-frames:
			switch {
			case f.Type == bridge.TypeMessage && f.Message != nil && f.Message.Role == realtime.RoleAssistant:
				return nil
			case f.Type == bridge.TypeError && f.Error != nil:
				return fmt.Errorf("%s: %s", f.Error.Kind, f.Error.Message)
			}
		case err := <-readErr:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}
