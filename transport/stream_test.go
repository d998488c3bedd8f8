package transport

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
)

func dialStream(t *testing.T, env *testEnv, clientID string) *StreamClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sc, err := DialStream(ctx, env.http.URL, clientID)
	if err != nil {
		t.Fatalf("DialStream error: %v", err)
	}
	t.Cleanup(func() { sc.Close() })
	return sc
}

func recvAck(t *testing.T, sc *StreamClient) *StreamAck {
	t.Helper()
	sc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := sc.Recv()
	if err != nil {
		t.Fatalf("Recv error: %v", err)
	}
	return ack
}

// --- Unit Tests ---

func TestStream_HeartbeatsAreObserved(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sc := dialStream(t, env, "agent-1")

	for i := 1; i <= 3; i++ {
		if err := sc.Send(&heartbeat.Heartbeat{Status: "running"}); err != nil {
			t.Fatalf("Send error: %v", err)
		}
		ack := recvAck(t, sc)
		if ack.ClientID != "agent-1" || ack.Received != int64(i) {
			t.Errorf("ack %d = %+v", i, ack)
		}
		if ack.ConfigID != "" {
			t.Errorf("unbound client got config %q", ack.ConfigID)
		}
	}

	if got := env.tracker.Observed(); got != 3 {
		t.Errorf("Observed() = %d, want 3", got)
	}
	if last := env.tracker.LastHeartbeat("agent-1"); last == nil || last.Status != "running" {
		t.Errorf("last heartbeat = %+v", last)
	}
}

func TestStream_AckNamesBoundConfig(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	bound, err := env.bindings.Bind("agent-1", sampleConfig())
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	sc := dialStream(t, env, "agent-1")
	sc.Send(nil)
	ack := recvAck(t, sc)

	if ack.ConfigID != bound.ID {
		t.Errorf("ConfigID = %q, want %q", ack.ConfigID, bound.ID)
	}
	if ack.Changed == nil || !ack.Changed.Equal(bound.ChangedTimestamp) {
		t.Errorf("Changed = %v, want %v", ack.Changed, bound.ChangedTimestamp)
	}
}

func TestStream_ClientIDFromConnection(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sc := dialStream(t, env, "agent-1")

	// A frame naming another client is attributed to the stream's client.
	sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"client_id":"impostor"}`))
	recvAck(t, sc)

	if env.tracker.IsAlive("impostor") {
		t.Error("heartbeat attributed to payload client id")
	}
	if !env.tracker.IsAlive("agent-1") {
		t.Error("heartbeat not attributed to stream client id")
	}
}

func TestStream_InvalidFrame(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sc := dialStream(t, env, "agent-1")

	sc.conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	ack := recvAck(t, sc)
	if ack.Error == nil || ack.Error.Code() != ferrors.ErrCodeInvalidInput {
		t.Errorf("ack = %+v, want INVALID_INPUT error", ack)
	}
	if env.tracker.Observed() != 0 {
		t.Error("invalid frame should not be observed")
	}

	// The stream stays usable.
	sc.Send(nil)
	if ack := recvAck(t, sc); ack.Error != nil || ack.Received != 1 {
		t.Errorf("ack after invalid frame = %+v", ack)
	}
}

func TestStream_RequiresClientID(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	resp, err := http.Get(env.http.URL + "/heartbeat/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestStream_ClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sc := dialStream(t, env, "agent-1")
	sc.Send(nil)
	recvAck(t, sc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.OnShutdown(ctx); err != nil {
		t.Fatalf("OnShutdown error: %v", err)
	}

	sc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := sc.Recv()
	if err == nil {
		t.Fatal("expected stream to be closed")
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !strings.Contains(err.Error(), "close") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig()
	if cfg.MaxMessageSize != 64*1024 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v", cfg.PingInterval)
	}
}
