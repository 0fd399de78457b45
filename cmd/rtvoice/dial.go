package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/rtvoice/internal/app"
	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/config"
	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

type dialOptions struct {
	tokenURL     string
	baseURL      string
	model        string
	voice        string
	instructions string
	input        string
	recordDir    string
	wavDir       string
	replyTimeout time.Duration
	mock         bool
	verbose      bool
}

func newDialCmd() *cobra.Command {
	var opts dialOptions
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Hold a text conversation over a realtime connection",
		Long: `Connect to the realtime service and send each stdin line as a user turn.

Lines starting with '/' are commands: /usage, /messages, /clear, /quit.
Assistant audio can be recorded as Ogg (--record-dir) or exported per
message as WAV (--wav-dir).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDial(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.tokenURL, "token-url", "", "token endpoint (default REALTIME_TOKEN_URL or the local gateway)")
	f.StringVar(&opts.baseURL, "base-url", "", "negotiation endpoint (default REALTIME_BASE_URL)")
	f.StringVar(&opts.model, "model", "", "realtime model")
	f.StringVar(&opts.voice, "voice", "", "assistant voice")
	f.StringVar(&opts.instructions, "instructions", "", "session instructions")
	f.StringVar(&opts.input, "input", "", "Ogg/Opus file streamed as microphone input (default silence)")
	f.StringVar(&opts.recordDir, "record-dir", "", "directory for Ogg recordings of remote audio tracks")
	f.StringVar(&opts.wavDir, "wav-dir", "", "directory for per-message WAV exports of assistant audio")
	f.DurationVar(&opts.replyTimeout, "reply-timeout", 30*time.Second, "how long to wait for each assistant reply")
	f.BoolVar(&opts.mock, "mock", false, "use an in-process loopback instead of the realtime service")
	f.BoolVar(&opts.verbose, "verbose", false, "log protocol debug output")
	return cmd
}

// dialSession is the terminal side of one conversation.
type dialSession struct {
	out     io.Writer
	opts    dialOptions
	replies chan realtime.Message
	errs    chan error
}

func runDial(ctx context.Context, opts dialOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	envCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	level := logging.LevelWarn
	if opts.verbose {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{Level: level, Pretty: true})

	cfg := app.RealtimeConfig(envCfg)
	overrideString(&cfg.TokenURL, opts.tokenURL)
	overrideString(&cfg.BaseURL, opts.baseURL)
	overrideString(&cfg.Model, opts.model)
	overrideString(&cfg.Voice, opts.voice)
	overrideString(&cfg.Instructions, opts.instructions)

	var peers rtc.PeerFactory = rtc.PionFactory{}
	var loop *loopback
	if opts.mock {
		loop = newLoopback()
		defer loop.Close()
		cfg.TokenURL = loop.TokenURL()
		cfg.BaseURL = loop.BaseURL()
		peers = loop.Peers()
	}

	var source audio.Source = audio.SilenceSource{}
	if opts.input != "" {
		source = audio.OggSource{Path: opts.input}
	}
	var sinks audio.SinkFactory
	if opts.recordDir != "" {
		sinks = audio.DirSinkFactory(opts.recordDir, "dial")
	}
	if opts.wavDir != "" {
		if err := os.MkdirAll(opts.wavDir, 0o755); err != nil {
			return fmt.Errorf("create wav dir: %w", err)
		}
	}

	d := &dialSession{
		out:     out,
		opts:    opts,
		replies: make(chan realtime.Message, 8),
		errs:    make(chan error, 8),
	}
	client, err := realtime.New(cfg, realtime.Options{
		Logger:      log,
		Peers:       peers,
		AudioSource: source,
		Sinks:       sinks,
		Callbacks:   d.callbacks(log),
	})
	if err != nil {
		return err
	}
	defer client.Dispose()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %s", rterr.UserMessage(err))
	}
	fmt.Fprintf(out, "connected (model=%s voice=%s)\n", cfg.Model, cfg.Voice)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := d.command(client, line); quit {
				break
			}
			continue
		}
		if err := client.SendText(line); err != nil {
			fmt.Fprintf(out, "error: %s\n", rterr.UserMessage(err))
			continue
		}
		if loop != nil {
			loop.Echo(line)
		}
		d.awaitReply(ctx)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	d.printUsage(client)
	return nil
}

func (d *dialSession) callbacks(log zerolog.Logger) realtime.Callbacks {
	return realtime.Callbacks{
		OnStateChange: func(ch connection.Change) {
			if ch.To == connection.StateReconnecting || ch.To == connection.StateError {
				fmt.Fprintf(d.out, "[%s -> %s]\n", ch.From, ch.To)
			}
		},
		OnMessage: func(m realtime.Message) {
			if m.Role != realtime.RoleAssistant {
				return
			}
			if d.opts.wavDir != "" && m.Audio != nil && len(m.Audio.Data) > 0 {
				path := filepath.Join(d.opts.wavDir, m.ID+".wav")
				if err := audio.WriteWAVFile(path, m.Audio.Data, m.Audio.Format); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("wav export failed")
				}
			}
			select {
			case d.replies <- m:
			default:
			}
		},
		OnSpeechStart: func() { fmt.Fprintln(d.out, "[speech started]") },
		OnError: func(err error) {
			select {
			case d.errs <- err:
			default:
			}
		},
		OnDebug: func(msg string) {
			if d.opts.verbose {
				log.Debug().Msg(msg)
			}
		},
	}
}

func (d *dialSession) awaitReply(ctx context.Context) {
	timer := time.NewTimer(d.opts.replyTimeout)
	defer timer.Stop()
	select {
	case m := <-d.replies:
		line := "assistant: " + m.Text
		if m.Audio != nil {
			line += fmt.Sprintf(" (%dms audio)", m.Audio.DurationMS)
		}
		fmt.Fprintln(d.out, line)
	case err := <-d.errs:
		fmt.Fprintf(d.out, "error: %s\n", rterr.UserMessage(err))
	case <-timer.C:
		fmt.Fprintln(d.out, "no reply before timeout")
	case <-ctx.Done():
	}
}

// command runs a slash command and reports whether the loop should stop.
func (d *dialSession) command(client *realtime.Client, line string) bool {
	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/quit", "/exit":
		return true
	case "/usage":
		d.printUsage(client)
	case "/messages":
		for _, m := range client.Messages() {
			fmt.Fprintf(d.out, "%s: %s\n", m.Role, m.Text)
		}
	case "/clear":
		client.ClearMessages()
		fmt.Fprintln(d.out, "messages cleared")
	default:
		fmt.Fprintf(d.out, "unknown command %s\n", line)
	}
	return false
}

func (d *dialSession) printUsage(client *realtime.Client) {
	u := client.Usage()
	fmt.Fprintf(d.out, "usage: audio in %.1fs out %.1fs, text tokens in %d out %d, cost $%.4f\n",
		u.AudioInputSeconds, u.AudioOutputSeconds, u.TextInputTokens, u.TextOutputTokens, u.TotalCost)
}

func overrideString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
