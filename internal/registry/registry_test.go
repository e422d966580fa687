package registry

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AScozzari/cashflow-realtime/internal/protocol"
)

func testConfig() Config {
	return Config{
		Path:          "/ws",
		HealthPath:    "/ws/health",
		SweepInterval: time.Hour, // quiet unless the test starts it
		WriteTimeout:  time.Second,
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *httptest.Server) {
	t.Helper()
	reg := New(cfg, nil)
	server := httptest.NewServer(reg.Handler())
	t.Cleanup(server.Close)
	return reg, server
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(readFrame(t, conn, timeout), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func waitForCount(t *testing.T, reg *Registry, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Count = %d, want %d", reg.Count(), want)
}

// authenticate sends an auth message and consumes the acknowledgment.
func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	msg := `{"type":"auth","userId":"` + userID + `","sessionId":"s-` + userID + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	env := readEnvelope(t, conn, time.Second)
	if env["type"] != protocol.TypeAuthSuccess {
		t.Fatalf("auth reply type = %v, want %s", env["type"], protocol.TypeAuthSuccess)
	}
	if env["userId"] != userID {
		t.Fatalf("auth reply userId = %v, want %s", env["userId"], userID)
	}
}

func TestRegistry_ConnectedAck(t *testing.T) {
	reg, server := newTestRegistry(t, testConfig())

	conn := dial(t, server, "/ws")
	env := readEnvelope(t, conn, time.Second)

	if env["type"] != protocol.TypeConnected {
		t.Errorf("type = %v, want connected", env["type"])
	}
	if env["clientCount"] != float64(1) {
		t.Errorf("clientCount = %v, want 1", env["clientCount"])
	}
	if env["timestamp"] == "" {
		t.Error("timestamp should be set")
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", reg.Count())
	}
}

func TestRegistry_PingPongSkipsDispatch(t *testing.T) {
	_, server := newTestRegistry(t, testConfig())

	conn := dial(t, server, "/ws")
	readFrame(t, conn, time.Second) // connected ack

	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.PingToken)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if got := string(readFrame(t, conn, time.Second)); got != protocol.PongToken {
		t.Errorf("reply = %q, want %q", got, protocol.PongToken)
	}

	// Malformed and unrecognized payloads are dropped without closing
	// the connection: the next ping still gets its pong, and nothing
	// else arrives in between.
	for _, bad := range []string{"not json at all", `{"type":"bogus"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(bad)); err != nil {
			t.Fatalf("write %q: %v", bad, err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.PingToken)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if got := string(readFrame(t, conn, time.Second)); got != protocol.PongToken {
		t.Errorf("reply after dropped messages = %q, want %q", got, protocol.PongToken)
	}
}

func TestRegistry_SubscribeAcknowledgments(t *testing.T) {
	_, server := newTestRegistry(t, testConfig())

	conn := dial(t, server, "/ws")
	readFrame(t, conn, time.Second) // connected ack
	authenticate(t, conn, "u1")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","channel":"movements"}`))
	env := readEnvelope(t, conn, time.Second)
	if env["type"] != protocol.TypeSubscribed || env["channel"] != "movements" {
		t.Errorf("subscribe ack = %v", env)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unsubscribe","channel":"movements"}`))
	env = readEnvelope(t, conn, time.Second)
	if env["type"] != protocol.TypeUnsubscribed || env["channel"] != "movements" {
		t.Errorf("unsubscribe ack = %v", env)
	}
}

func TestRegistry_BroadcastAuthenticatedOnly(t *testing.T) {
	reg, server := newTestRegistry(t, testConfig())

	authed1 := dial(t, server, "/ws")
	readFrame(t, authed1, time.Second)
	authed2 := dial(t, server, "/ws")
	readFrame(t, authed2, time.Second)
	anon := dial(t, server, "/ws")
	readFrame(t, anon, time.Second)

	authenticate(t, authed1, "u1")
	authenticate(t, authed2, "u2")

	payload := map[string]string{"event": "cash_alert"}
	if got := reg.Broadcast(payload); got != 2 {
		t.Errorf("Broadcast = %d, want 2", got)
	}

	for i, conn := range []*websocket.Conn{authed1, authed2} {
		env := readEnvelope(t, conn, time.Second)
		if env["type"] != protocol.TypeNotification {
			t.Errorf("conn %d: type = %v, want notification", i, env["type"])
		}
		data, _ := env["data"].(map[string]any)
		if data["event"] != "cash_alert" {
			t.Errorf("conn %d: data = %v", i, env["data"])
		}
		if env["timestamp"] == "" {
			t.Errorf("conn %d: missing timestamp", i)
		}
	}

	// The unauthenticated connection receives nothing.
	anon.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := anon.ReadMessage(); err == nil {
		t.Error("unauthenticated connection should not receive broadcasts")
	}
}

func TestRegistry_SendToUser(t *testing.T) {
	reg, server := newTestRegistry(t, testConfig())

	// u1 holds two simultaneous sessions.
	u1a := dial(t, server, "/ws")
	readFrame(t, u1a, time.Second)
	u1b := dial(t, server, "/ws")
	readFrame(t, u1b, time.Second)
	u2 := dial(t, server, "/ws")
	readFrame(t, u2, time.Second)

	authenticate(t, u1a, "u1")
	authenticate(t, u1b, "u1")
	authenticate(t, u2, "u2")

	if got := reg.SendToUser("u1", "invoice ready"); got != 2 {
		t.Errorf("SendToUser = %d, want 2", got)
	}

	for i, conn := range []*websocket.Conn{u1a, u1b} {
		env := readEnvelope(t, conn, time.Second)
		if env["type"] != protocol.TypeNotification {
			t.Errorf("u1 conn %d: type = %v, want notification", i, env["type"])
		}
		if env["data"] != "invoice ready" {
			t.Errorf("u1 conn %d: data = %v", i, env["data"])
		}
	}

	u2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := u2.ReadMessage(); err == nil {
		t.Error("u2 should not receive u1's notification")
	}
}

func TestRegistry_SweepEvictsDeadConnection(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	reg, server := newTestRegistry(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	// A responsive peer: the default ping handler answers probes as
	// long as the connection keeps reading.
	live := dial(t, server, "/ws")
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A silently-dead peer: reads frames but never answers probes.
	dead := dial(t, server, "/ws")
	dead.SetPingHandler(func(string) error { return nil })
	deadGone := make(chan struct{})
	go func() {
		defer close(deadGone)
		for {
			if _, _, err := dead.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitForCount(t, reg, 2, time.Second)

	// Two missed probes evict the dead peer; the responsive one
	// survives well past three sweep intervals.
	waitForCount(t, reg, 1, time.Second)
	select {
	case <-deadGone:
	case <-time.After(time.Second):
		t.Error("dead connection transport was not closed")
	}

	time.Sleep(4 * cfg.SweepInterval)
	if reg.Count() != 1 {
		t.Errorf("responsive connection evicted: Count = %d, want 1", reg.Count())
	}
}

func TestRegistry_HealthProbe(t *testing.T) {
	_, server := newTestRegistry(t, testConfig())

	conn := dial(t, server, "/ws/health")
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestRegistry_RemoveOnClientClose(t *testing.T) {
	reg, server := newTestRegistry(t, testConfig())

	conn := dial(t, server, "/ws")
	readFrame(t, conn, time.Second)
	waitForCount(t, reg, 1, time.Second)

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()

	waitForCount(t, reg, 0, time.Second)
}

func TestRegistry_Shutdown(t *testing.T) {
	reg, server := newTestRegistry(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	first := dial(t, server, "/ws")
	readFrame(t, first, time.Second)
	second := dial(t, server, "/ws")
	readFrame(t, second, time.Second)
	waitForCount(t, reg, 2, time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if reg.Count() != 0 {
		t.Errorf("Count after shutdown = %d, want 0", reg.Count())
	}

	for i, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("conn %d: expected normal closure, got %v", i, err)
		}
	}

	// A second shutdown is a no-op.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}

	// New connections are refused after shutdown.
	late := dial(t, server, "/ws")
	late.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Error("expected post-shutdown connection to be closed")
	}
}
