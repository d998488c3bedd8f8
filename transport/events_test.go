package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/fleetconf/serviceconfig"
)

// readEvent reads one SSE event, skipping keepalive comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, ConfigEvent) {
	t.Helper()

	var name string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev ConfigEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event data %q: %v", line, err)
			}
			return name, ev
		}
	}
}

// --- Unit Tests ---

func TestEvents_StreamsRegistryChanges(t *testing.T) {
	env := newTestEnv(t, authConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/serviceconfig/events", nil)
	req.SetBasicAuth(testUser, testPass)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	// The subscription exists once headers are back.
	created := env.create(t, sampleConfig())
	env.registry.Delete(created.ID)

	r := bufio.NewReader(resp.Body)
	for _, want := range []serviceconfig.EventType{serviceconfig.EventAdded, serviceconfig.EventRemoved} {
		name, ev := readEvent(t, r)
		if name != string(want) || ev.Type != want {
			t.Errorf("event = %s/%s, want %s", name, ev.Type, want)
		}
		if ev.Config.ID != created.ID {
			t.Errorf("event config = %q, want %q", ev.Config.ID, created.ID)
		}
	}
}

func TestEvents_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, authConfig())
	resp := env.request(t, http.MethodGet, "/serviceconfig/events", nil, false)
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestEvents_ClosedRegistry(t *testing.T) {
	registry := serviceconfig.NewMemoryRegistry(serviceconfig.MemoryConfig{})
	registry.Close()

	srv, err := NewServer(DefaultConfig(), Options{
		Registry: registry,
		Bindings: serviceconfig.NewBindingTable(registry, nil),
	})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}

	if _, ok := srv.events.subscribe(); ok {
		t.Error("subscribe should fail when the registry cannot be watched")
	}
}
