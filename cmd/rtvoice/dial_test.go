package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDialLoopbackConversation(t *testing.T) {
	wavDir := t.TempDir()
	in := strings.NewReader("hello there\n/messages\n/quit\nnever sent\n")
	var out bytes.Buffer

	err := runDial(context.Background(), dialOptions{
		mock:         true,
		wavDir:       wavDir,
		replyTimeout: 2 * time.Second,
	}, in, &out)
	if err != nil {
		t.Fatalf("runDial() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"connected (model=",
		"assistant: hello there (100ms audio)",
		"user: hello there",
		"usage: audio in",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never sent") {
		t.Fatalf("lines after /quit should not be sent:\n%s", got)
	}

	files, err := filepath.Glob(filepath.Join(wavDir, "*.wav"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("wav files = %d, want 1", len(files))
	}
	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 44+4800 {
		t.Fatalf("wav size = %d, want %d", info.Size(), 44+4800)
	}
}

func TestDialUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := runDial(context.Background(), dialOptions{mock: true, replyTimeout: time.Second},
		strings.NewReader("/bogus\n"), &out)
	if err != nil {
		t.Fatalf("runDial() error = %v", err)
	}
	if !strings.Contains(out.String(), "unknown command /bogus") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "dial"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}
