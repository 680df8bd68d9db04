package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"burnerchat/internal/remotetest"
	"burnerchat/internal/session"
	"burnerchat/pkg/burner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type consoleHarness struct {
	remote *remotetest.Remote
	out    *syncBuffer
	lines  chan string
	done   chan error
}

func startConsole(t *testing.T) *consoleHarness {
	t.Helper()

	remote := remotetest.New(remotetest.Key("self"))
	sess, err := session.New(remote.Self, remote, session.WithUsername("me"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		if err := sess.Close(context.Background()); err != nil {
			t.Errorf("close session: %v", err)
		}
	})

	out := &syncBuffer{}
	c, err := newConsole(context.Background(), sess, out)
	if err != nil {
		t.Fatalf("new console: %v", err)
	}
	harness := &consoleHarness{
		remote: remote,
		out:    out,
		lines:  make(chan string),
		done:   make(chan error, 1),
	}
	go func() {
		harness.done <- c.Run(context.Background(), harness.lines)
	}()
	t.Cleanup(func() {
		harness.stop(t)
		if err := c.Close(context.Background()); err != nil {
			t.Errorf("close console: %v", err)
		}
	})

	return harness
}

// send hands line to the console. Lines run in order, so a returned send
// means every earlier line has finished.
func (h *consoleHarness) send(lines ...string) {
	for _, line := range lines {
		h.lines <- line
	}
}

func (h *consoleHarness) stop(t *testing.T) {
	t.Helper()

	select {
	case <-h.done:
		return
	default:
	}
	close(h.lines)
	select {
	case err := <-h.done:
		if !errors.Is(err, errQuit) {
			t.Errorf("run = %v, want errQuit", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("console did not stop")
	}
}

func (h *consoleHarness) waitFor(t *testing.T, text string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(h.out.String(), text) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("output never contained %q:\n%s", text, h.out.String())
}

// TestParseCommand verifies line parsing and argument rules.
func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    command
		wantOK  bool
		wantErr string
	}{
		{name: "blank", line: "   "},
		{name: "plain text", line: " hello there ", want: command{kind: commandSay, arg: "hello there"}, wantOK: true},
		{name: "join", line: "/join  room ", want: command{kind: commandJoin, arg: "room"}, wantOK: true},
		{name: "case insensitive", line: "/BURN", want: command{kind: commandBurn}, wantOK: true},
		{name: "quit", line: "/quit", want: command{kind: commandQuit}, wantOK: true},
		{name: "missing argument", line: "/nick", wantErr: "needs an argument"},
		{name: "unexpected argument", line: "/burn now", wantErr: "takes no argument"},
		{name: "unknown", line: "/dance", wantErr: "unknown command"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, ok, err := parseCommand(testCase.line)
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ok != testCase.wantOK || got != testCase.want {
				t.Fatalf("parse = (%+v, %v), want (%+v, %v)", got, ok, testCase.want, testCase.wantOK)
			}
		})
	}
}

// TestConsoleChannelFlow verifies join, messaging, incoming signals, and burn.
func TestConsoleChannelFlow(t *testing.T) {
	t.Parallel()

	h := startConsole(t)
	h.send("hello", "/join room")
	h.waitFor(t, "no active channel")
	h.waitFor(t, "joined room with 1 member(s)")

	h.send("hello there", "/emoji 🔥")
	h.send("/help")
	if got := h.remote.CallCount("SendMessage:Message"); got != 1 {
		t.Fatalf("message sends = %d, want 1", got)
	}
	if got := h.remote.CallCount("SendMessage:EmojiCannon"); got != 1 {
		t.Fatalf("emoji sends = %d, want 1", got)
	}

	h.remote.Emit(context.Background(), burner.Signal{
		Type:     burner.SignalMessage,
		Channel:  "room",
		Username: "bob",
		Payload:  json.RawMessage(`"hi me"`),
	})
	h.waitFor(t, "[room] bob: hi me")

	h.send("/burn")
	h.waitFor(t, "burned room")
	if got := h.remote.CallCount("BurnChannel"); got != 1 {
		t.Fatalf("burn calls = %d, want 1", got)
	}

	h.send("/quit")
	select {
	case err := <-h.done:
		if !errors.Is(err, errQuit) {
			t.Fatalf("run = %v, want errQuit", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("console did not quit")
	}
}

// TestConsoleProfiles verifies profile publishing, search, and whois.
func TestConsoleProfiles(t *testing.T) {
	t.Parallel()

	h := startConsole(t)
	bob := remotetest.Key("bob")
	h.remote.SetProfile(bob, burner.Profile{Nickname: "Bobby"})

	h.send("/profile Alice")
	h.waitFor(t, "profile created: Alice")
	h.send("/profile Alicia")
	h.waitFor(t, "profile updated: Alicia")
	if h.remote.CallCount("CreateProfile") != 1 || h.remote.CallCount("UpdateProfile") != 1 {
		t.Fatalf("calls = %+v, want one create then one update", h.remote.Calls())
	}

	h.send("/search bob", "/search zzz", "/search zz")
	h.waitFor(t, "Bobby  "+bob.String())
	h.waitFor(t, `no profiles match "zzz"`)
	h.waitFor(t, "error: ")

	h.send("/whois " + bob.String())
	h.waitFor(t, bob.String()+" is Bobby")
	h.send("/whois " + bob.String())
	h.waitFor(t, "already watching")
}
