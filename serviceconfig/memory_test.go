package serviceconfig

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/artifact"
	ferrors "github.com/vinayprograms/fleetconf/errors"
)

func widgetConfig() ServiceConfig {
	coords := artifact.Coordinates{GroupID: "net.example", ArtifactID: "widget", Version: "1.0"}
	item := artifact.NewResolver("http://repo.test", artifact.Releases).Item(coords)

	cfg := New("widget-1.0")
	cfg.AddDownloadItem(item)
	cfg.StartServiceScript = "java -jar " + item.Filename()
	return *cfg
}

// --- Unit Tests ---

func TestMemoryRegistry_Create(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewMemoryRegistry(MemoryConfig{Clock: clock})
	defer r.Close()

	created, err := r.Create(widgetConfig())
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create should assign an ID")
	}
	if !created.ChangedTimestamp.Equal(clock.Now()) {
		t.Errorf("ChangedTimestamp = %v, want %v", created.ChangedTimestamp, clock.Now())
	}

	got, err := r.Get(created.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !reflect.DeepEqual(got, created) {
		t.Errorf("Get = %+v, want %+v", got, created)
	}
}

func TestMemoryRegistry_CreateUniqueIDs(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		created, err := r.Create(widgetConfig())
		if err != nil {
			t.Fatalf("Create error: %v", err)
		}
		if created.ID == "" || seen[created.ID] {
			t.Fatalf("duplicate or empty ID %q", created.ID)
		}
		seen[created.ID] = true
	}
}

func TestMemoryRegistry_CreateRetriesCollidingID(t *testing.T) {
	ids := []string{"same", "same", "other"}
	next := 0
	r := NewMemoryRegistry(MemoryConfig{NewID: func() string {
		id := ids[next]
		next++
		return id
	}})
	defer r.Close()

	first, _ := r.Create(widgetConfig())
	second, err := r.Create(widgetConfig())
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if first.ID != "same" || second.ID != "other" {
		t.Errorf("IDs = %q, %q; want same, other", first.ID, second.ID)
	}
}

func TestMemoryRegistry_CreateWithID(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	cfg := widgetConfig()
	cfg.ID = "preset"
	_, err := r.Create(cfg)
	if !ferrors.Is(err, ferrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
	if _, err := r.Get("preset"); !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Error("rejected create must not store anything")
	}
}

func TestMemoryRegistry_CreateDoesNotAlias(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	cfg := widgetConfig()
	created, _ := r.Create(cfg)

	// Mutating the input or the returned value must not affect the store.
	cfg.DownloadItems[0].URL = "mutated"
	created.DownloadItems[0].URL = "mutated"

	got, _ := r.Get(created.ID)
	if got.DownloadItems[0].URL == "mutated" {
		t.Error("registry state aliased caller memory")
	}
}

func TestMemoryRegistry_UpdateOverwrites(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	created, _ := r.Create(widgetConfig())

	replacement := ServiceConfig{
		ID:                 created.ID,
		Name:               "something new",
		StartServiceScript: "./run.sh",
	}
	updated, err := r.Update(replacement)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got, _ := r.Get(created.ID)
	if !reflect.DeepEqual(got, updated) {
		t.Errorf("Get after Update = %+v, want %+v", got, updated)
	}
	// Full overwrite, no merge: download items are gone.
	if len(got.DownloadItems) != 0 {
		t.Errorf("DownloadItems = %v, want none", got.DownloadItems)
	}
	if got.Name != "something new" {
		t.Errorf("Name = %q", got.Name)
	}
}

func TestMemoryRegistry_UpdateStampsTimestamp(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewMemoryRegistry(MemoryConfig{Clock: clock})
	defer r.Close()

	created, _ := r.Create(widgetConfig())
	clock.Advance(time.Minute)

	updated, _ := r.Update(*created)
	if !updated.ChangedTimestamp.Equal(created.ChangedTimestamp.Add(time.Minute)) {
		t.Errorf("ChangedTimestamp = %v, want %v", updated.ChangedTimestamp, created.ChangedTimestamp.Add(time.Minute))
	}
}

func TestMemoryRegistry_UpdateWithoutID(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	_, err := r.Update(widgetConfig())
	if !ferrors.Is(err, ferrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestMemoryRegistry_UpdateUnknownID(t *testing.T) {
	t.Run("upsert", func(t *testing.T) {
		r := NewMemoryRegistry(MemoryConfig{})
		defer r.Close()

		cfg := widgetConfig()
		cfg.ID = "unknown"
		if _, err := r.Update(cfg); err != nil {
			t.Fatalf("Update error: %v", err)
		}
		got, err := r.Get("unknown")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Name != cfg.Name {
			t.Errorf("Name = %q, want %q", got.Name, cfg.Name)
		}
	})

	t.Run("strict", func(t *testing.T) {
		r := NewMemoryRegistry(MemoryConfig{StrictUpdate: true})
		defer r.Close()

		cfg := widgetConfig()
		cfg.ID = "unknown"
		_, err := r.Update(cfg)
		if !ferrors.Is(err, ferrors.ErrCodeNotFound) {
			t.Errorf("expected NOT_FOUND, got %v", err)
		}
		if _, err := r.Get("unknown"); err == nil {
			t.Error("strict update must not insert")
		}
	})
}

func TestMemoryRegistry_Delete(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	created, _ := r.Create(widgetConfig())

	if err := r.Delete(created.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := r.Get(created.ID); !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Errorf("Get after Delete: expected NOT_FOUND, got %v", err)
	}
	// Deleting again fails the same way.
	if err := r.Delete(created.ID); !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Errorf("second Delete: expected NOT_FOUND, got %v", err)
	}
	if err := r.Delete("never-existed"); !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Errorf("Delete unknown: expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryRegistry_EmptyID(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	if _, err := r.Get(""); !ferrors.Is(err, ferrors.ErrCodeInvalidInput) {
		t.Errorf("Get(\"\"): expected INVALID_INPUT, got %v", err)
	}
	if err := r.Delete(""); !ferrors.Is(err, ferrors.ErrCodeInvalidInput) {
		t.Errorf("Delete(\"\"): expected INVALID_INPUT, got %v", err)
	}
}

func TestMemoryRegistry_List(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		r.Create(ServiceConfig{Name: name})
	}

	list, err := r.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(List) = %d, want 3", len(list))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if list[i].Name != want {
			t.Errorf("list[%d].Name = %q, want %q", i, list[i].Name, want)
		}
	}
}

func TestMemoryRegistry_Watch(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})

	ch, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	created, _ := r.Create(widgetConfig())
	r.Update(*created)
	r.Delete(created.ID)

	for _, want := range []EventType{EventAdded, EventUpdated, EventRemoved} {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("event type = %v, want %v", ev.Type, want)
			}
			if ev.Config.ID != created.ID {
				t.Errorf("event config ID = %q, want %q", ev.Config.ID, created.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %v event", want)
		}
	}

	r.Close()
	if _, ok := <-ch; ok {
		t.Error("watch channel should be closed after Close")
	}
}

func TestMemoryRegistry_Closed(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	r.Close()

	if _, err := r.Create(widgetConfig()); !ferrors.Is(err, ferrors.ErrCodeUnavailable) {
		t.Errorf("Create after Close: expected UNAVAILABLE, got %v", err)
	}
	if _, err := r.List(); !ferrors.Is(err, ferrors.ErrCodeUnavailable) {
		t.Errorf("List after Close: expected UNAVAILABLE, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestMemoryRegistry_SearchWithoutIndex(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	if _, err := r.Search("widget", 10); !ferrors.Is(err, ferrors.ErrCodeUnsupported) {
		t.Errorf("expected UNSUPPORTED, got %v", err)
	}
}

// --- Concurrency Tests ---

func TestMemoryRegistry_Concurrent(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	var wg sync.WaitGroup
	ids := make(chan string, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := r.Create(ServiceConfig{Name: fmt.Sprintf("cfg-%d", i)})
			if err != nil {
				t.Errorf("Create error: %v", err)
				return
			}
			ids <- created.ID
			r.Update(*created)
			r.Get(created.ID)
		}(i)
	}
	wg.Wait()
	close(ids)

	unique := make(map[string]bool)
	for id := range ids {
		unique[id] = true
	}
	if len(unique) != 50 {
		t.Errorf("unique IDs = %d, want 50", len(unique))
	}

	list, _ := r.List()
	if len(list) != 50 {
		t.Errorf("len(List) = %d, want 50", len(list))
	}
}
