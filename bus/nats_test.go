package bus

import (
	"os"
	"testing"
	"time"
)

// natsURL returns the NATS URL for testing, or skips the test.
func natsURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	b.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	cfg.URL = natsURL(t)
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// --- Unit Tests ---

func TestDefaultNATSConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	if cfg.MaxReconnects != -1 {
		t.Errorf("MaxReconnects = %d, want -1", cfg.MaxReconnects)
	}
	if !cfg.DrainOnClose {
		t.Error("DrainOnClose should default to true")
	}
	if cfg.BufferSize != 256 {
		t.Errorf("BufferSize = %d, want 256", cfg.BufferSize)
	}
}

func TestBuildNATSOptions(t *testing.T) {
	base := DefaultNATSConfig()
	withAuth := base
	withAuth.Token = "secret"
	withAuth.User = "agent"

	if got, want := len(buildNATSOptions(base)), 4; got != want {
		t.Errorf("options = %d, want %d", got, want)
	}
	if got, want := len(buildNATSOptions(withAuth)), 6; got != want {
		t.Errorf("options with auth = %d, want %d", got, want)
	}
}

// --- Integration Tests ---

func TestNATSBus_WildcardSubscribe(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("heartbeat.*")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("heartbeat.client-1", []byte("alive")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "heartbeat.client-1" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if string(msg.Data) != "alive" {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_QueueSubscribe(t *testing.T) {
	b := newTestNATSBus(t)

	sub1, _ := b.QueueSubscribe("heartbeat.*", "fleetconf")
	sub2, _ := b.QueueSubscribe("heartbeat.*", "fleetconf")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish("heartbeat.client-1", []byte("alive"))

	received := 0
	timeout := time.After(time.Second)
loop:
	for i := 0; i < 2; i++ {
		select {
		case <-sub1.Messages():
			received++
		case <-sub2.Messages():
			received++
		case <-timeout:
			break loop
		}
	}

	if received != 1 {
		t.Errorf("received = %d, want 1", received)
	}
}

func TestNATSBus_Closed(t *testing.T) {
	b := newTestNATSBus(t)
	b.config.DrainOnClose = false
	b.Close()

	if err := b.Publish("heartbeat.client-1", nil); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
