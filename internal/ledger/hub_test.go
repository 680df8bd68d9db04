package ledger

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"burnerchat/internal/codec"
	"burnerchat/internal/session"
	"burnerchat/internal/telemetry"
	"burnerchat/internal/transport/wire"
	"burnerchat/internal/transport/ws"
	"burnerchat/pkg/burner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testLedger struct {
	hub     *Hub
	url     string
	metrics *telemetry.Metrics
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()

	store := openTempStore(t)
	metrics := telemetry.NewMetrics()
	hub, err := NewHub(HubConfig{Store: store, Codec: codec.MustNewCBOR(), Metrics: metrics})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &testLedger{
		hub:     hub,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
		metrics: metrics,
	}
}

func (l *testLedger) dial(t *testing.T, label string) *ws.Client {
	t.Helper()

	client, err := ws.Dial(context.Background(), ws.Options{
		URL:            l.url,
		Agent:          testKey(label),
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial %s: %v", label, err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("close client %s: %v", label, err)
		}
	})

	return client
}

func (l *testLedger) session(t *testing.T, label string) *session.Session {
	t.Helper()

	client := l.dial(t, label)
	sess, err := session.New(testKey(label), client, session.WithUsername(label))
	if err != nil {
		t.Fatalf("new session %s: %v", label, err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start session %s: %v", label, err)
	}
	t.Cleanup(func() {
		if err := sess.Close(context.Background()); err != nil {
			t.Errorf("close session %s: %v", label, err)
		}
	})

	return sess
}

// TestHubRequiresHello verifies connections must identify first.
func TestHubRequiresHello(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	conn, _, err := websocket.DefaultDialer.Dial(ledger.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.Request{ID: 1, Method: wire.MethodGetAgentProfile}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want policy violation close", err)
	}
}

// TestHubProfileCalls verifies profile calls and error mapping through the ws client.
func TestHubProfileCalls(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	alice := ledger.dial(t, "alice")
	bob := ledger.dial(t, "bob")
	entries := codec.MustNewCBOR()
	ctx := context.Background()

	entry, err := entries.Encode(burner.Profile{Nickname: "Alice", Fields: map[string]string{"bio": "hi"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := alice.UpdateProfile(ctx, entry); !errors.Is(err, burner.ErrInvalidArgument) {
		t.Fatalf("update before create error = %v, want ErrInvalidArgument", err)
	}
	if err := alice.CreateProfile(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := bob.CreateProfile(ctx, []byte("not cbor")); !errors.Is(err, burner.ErrInvalidArgument) {
		t.Fatalf("garbage create error = %v, want ErrInvalidArgument", err)
	}

	envelope, err := bob.FetchProfile(ctx, testKey("alice"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if envelope == nil || envelope.Author() != testKey("alice") {
		t.Fatalf("envelope = %+v, want alice", envelope)
	}
	profile, err := entries.Decode(envelope.Entry)
	if err != nil || profile.Nickname != "Alice" || profile.Fields["bio"] != "hi" {
		t.Fatalf("decoded = (%+v, %v), want Alice", profile, err)
	}

	missing, err := bob.FetchProfile(ctx, testKey("ghost"))
	if err != nil || missing != nil {
		t.Fatalf("missing = (%v, %v), want (nil, nil)", missing, err)
	}

	batch, err := bob.FetchProfiles(ctx, []burner.IdentityKey{testKey("ghost"), testKey("alice")})
	if err != nil || len(batch) != 1 {
		t.Fatalf("batch = (%v, %v), want one envelope", batch, err)
	}

	if _, err := bob.SearchProfiles(ctx, "al"); !errors.Is(err, burner.ErrInvalidArgument) {
		t.Fatalf("short search error = %v, want ErrInvalidArgument", err)
	}
	found, err := bob.SearchProfiles(ctx, "ali")
	if err != nil || len(found) != 1 {
		t.Fatalf("search = (%v, %v), want one", found, err)
	}
}

// TestHubSendRequiresMembership verifies relays only from channel members.
func TestHubSendRequiresMembership(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	alice := ledger.dial(t, "alice")

	err := alice.SendMessage(context.Background(), burner.MessageInput{
		Type:    burner.SignalMessage,
		Channel: "room",
		Payload: []byte(`"hi"`),
	})
	if !errors.Is(err, burner.ErrInvalidArgument) {
		t.Fatalf("send error = %v, want ErrInvalidArgument", err)
	}
}

// TestClientFailsPendingCallsOnDisconnect verifies a dropped connection surfaces as ErrRemoteUnavailable.
func TestClientFailsPendingCallsOnDisconnect(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	alice := ledger.dial(t, "alice")
	eventually(t, 2*time.Second, func() bool {
		return ledger.hub.Count() == 1
	})

	ledger.hub.Close()
	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed the disconnect")
	}
	if err := alice.CreateProfile(context.Background(), []byte{}); !errors.Is(err, burner.ErrRemoteUnavailable) {
		t.Fatalf("call after disconnect error = %v, want ErrRemoteUnavailable", err)
	}
}

// TestSessionsOverLedger verifies join, message, and burn flows between two sessions.
func TestSessionsOverLedger(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	alice := ledger.session(t, "alice")
	bob := ledger.session(t, "bob")
	ctx := context.Background()

	if err := bob.CreateProfile(ctx, burner.Profile{Nickname: "Bob"}); err != nil {
		t.Fatalf("bob create: %v", err)
	}
	if _, err := alice.JoinChannel(ctx, "room"); err != nil {
		t.Fatalf("alice join: %v", err)
	}

	var (
		mu      sync.Mutex
		latest  burner.Membership
		signals []burner.Signal
	)
	_, unsubscribe, err := alice.ObserveChannelMembers(ctx, "room", func(membership burner.Membership) {
		mu.Lock()
		defer mu.Unlock()
		latest = membership
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer unsubscribe()

	subscription, err := alice.Subscribe(ctx, burner.SubscriptionSpec{Name: "alice-chat"},
		func(_ context.Context, signal *burner.Signal) error {
			mu.Lock()
			defer mu.Unlock()
			signals = append(signals, *signal)
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() {
		_ = subscription.Close(ctx)
	}()

	if _, err := bob.JoinChannel(ctx, "room"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest.Has(testKey("bob"))
	})

	if err := bob.SendMessage(ctx, "hello alice"); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(signals) == 1 && string(signals[0].Payload) == `"hello alice"`
	})

	if err := bob.BurnChannel(ctx); err != nil {
		t.Fatalf("bob burn: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest.Len() == 0 && len(signals) == 2 && signals[1].Type == burner.SignalBurnChannel
	})

	membership, err := alice.JoinChannel(ctx, "room")
	if err != nil {
		t.Fatalf("alice rejoin: %v", err)
	}
	if membership.Len() != 1 || !membership.Has(testKey("alice")) {
		t.Fatalf("membership after rejoin = %+v, want only alice", membership)
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
