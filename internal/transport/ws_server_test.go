package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/auth"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/config"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/metrics"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

func testConfig() config.Config {
	return config.Config{
		Mode:                 config.ModeDev,
		AuthMode:             config.AuthModeNone,
		WSIdleTimeout:        time.Minute,
		WSPingInterval:       20 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 50,
	}
}

func startSignalServer(t *testing.T, cfg config.Config) (*httptest.Server, *Hub) {
	t.Helper()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	hub := NewHub(slog.Default(), metrics.New())
	ws := NewWSServer(cfg, hub, verifier, slog.Default())

	mux := http.NewServeMux()
	ws.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func signalURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/call/signal?" + query
}

func dialSignal(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(signalURL(srv, query), nil)
	if err != nil {
		t.Fatalf("dial %q: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, hub *Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("user %s never attached", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env signal.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	env, err := signal.Parse(data)
	if err != nil {
		t.Fatalf("Parse(%s): %v", data, err)
	}
	return env
}

func TestSignalRelayedBetweenClients(t *testing.T) {
	srv, hub := startSignalServer(t, testConfig())

	alice := dialSignal(t, srv, "user=alice")
	bob := dialSignal(t, srv, "user=bob")
	waitConnected(t, hub, "alice")
	waitConnected(t, hub, "bob")

	writeEnvelope(t, alice, signal.Envelope{
		Kind:              signal.KindOffer,
		CallID:            "call-1",
		From:              "alice",
		To:                "bob",
		MediaKind:         signal.MediaAudio,
		SessionDescriptor: json.RawMessage(`{"sdp":"v=0"}`),
	})

	got := readEnvelope(t, bob)
	if got.Kind != signal.KindOffer || got.From != "alice" || got.CallID != "call-1" {
		t.Fatalf("bob received %+v, want alice's offer", got)
	}
}

func TestOfferToOfflineUserRepliedBusy(t *testing.T) {
	srv, hub := startSignalServer(t, testConfig())

	alice := dialSignal(t, srv, "user=alice")
	waitConnected(t, hub, "alice")

	writeEnvelope(t, alice, signal.Envelope{
		Kind:              signal.KindOffer,
		CallID:            "call-1",
		From:              "alice",
		To:                "bob",
		MediaKind:         signal.MediaAudio,
		SessionDescriptor: json.RawMessage(`{"sdp":"v=0"}`),
	})

	got := readEnvelope(t, alice)
	if got.Kind != signal.KindBusy || got.From != "bob" {
		t.Fatalf("alice received %+v, want busy from bob", got)
	}
}

func TestSenderSpoofClosesConnection(t *testing.T) {
	srv, hub := startSignalServer(t, testConfig())

	alice := dialSignal(t, srv, "user=alice")
	waitConnected(t, hub, "alice")

	writeEnvelope(t, alice, signal.Envelope{
		Kind:   signal.KindHangup,
		CallID: "call-1",
		From:   "mallory",
		To:     "bob",
	})

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want policy violation close", err)
	}
}

func TestMalformedEnvelopeClosesConnection(t *testing.T) {
	srv, hub := startSignalServer(t, testConfig())

	alice := dialSignal(t, srv, "user=alice")
	waitConnected(t, hub, "alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"kind":"ring"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("read error = %v, want unsupported data close", err)
	}
}

func TestMissingUserRejected(t *testing.T) {
	srv, _ := startSignalServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(signalURL(srv, ""), nil)
	if err == nil {
		t.Fatal("dial without user succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake response = %+v, want 400", resp)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sekret"
	srv, hub := startSignalServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(signalURL(srv, "user=alice&apiKey=wrong"), nil)
	if err == nil {
		t.Fatal("dial with wrong api key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(signalURL(srv, "user=alice"), nil)
	if err == nil {
		t.Fatal("dial without api key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}

	dialSignal(t, srv, "user=alice&apiKey=sekret")
	waitConnected(t, hub, "alice")
}

func TestMessageRateLimitClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerSecond = 1
	srv, hub := startSignalServer(t, cfg)

	alice := dialSignal(t, srv, "user=alice")
	waitConnected(t, hub, "alice")

	env := signal.Envelope{Kind: signal.KindHangup, CallID: "call-1", From: "alice", To: "bob"}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, readErr := alice.ReadMessage()
	if !websocket.IsCloseError(readErr, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want policy violation close", readErr)
	}
}

func TestClientChannelSendAndReceive(t *testing.T) {
	srv, hub := startSignalServer(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan signal.Envelope, 16)
	alice, err := Dial(ctx, signalURL(srv, "user=alice"), func(env signal.Envelope) {
		received <- env
	}, slog.Default())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { alice.Close() })
	go func() { _ = alice.Run(ctx) }()
	waitConnected(t, hub, "alice")

	bob := dialSignal(t, srv, "user=bob")
	waitConnected(t, hub, "bob")

	if err := alice.Send(ctx, signal.Envelope{
		Kind:   signal.KindHangup,
		CallID: "call-1",
		From:   "alice",
		To:     "bob",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := readEnvelope(t, bob); got.Kind != signal.KindHangup {
		t.Fatalf("bob received %s, want hangup", got.Kind)
	}

	writeEnvelope(t, bob, signal.Envelope{
		Kind:   signal.KindBusy,
		CallID: "call-1",
		From:   "bob",
		To:     "alice",
	})
	select {
	case got := <-received:
		if got.Kind != signal.KindBusy {
			t.Fatalf("alice received %s, want busy", got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope on client channel")
	}
}
