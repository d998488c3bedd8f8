package serviceconfig

import (
	"testing"

	"github.com/vinayprograms/fleetconf/artifact"
)

func newIndexedRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	index, err := NewSearchIndex()
	if err != nil {
		t.Fatalf("NewSearchIndex error: %v", err)
	}
	reg := NewMemoryRegistry(MemoryConfig{Index: index})
	t.Cleanup(func() {
		reg.Close()
		index.Close()
	})
	return reg
}

func configFor(name string, c artifact.Coordinates) ServiceConfig {
	cfg := New(name)
	cfg.AddDownloadItem(artifact.NewResolver("http://repo.test", artifact.ChannelFor(c.Version)).Item(c))
	return *cfg
}

func TestSearchIndex_MatchesNameAndArtifact(t *testing.T) {
	reg := newIndexedRegistry(t)

	admin, _ := reg.Create(configFor("UserAdminService", artifact.Coordinates{
		GroupID: "net.whydah.identity", ArtifactID: "UserAdminService", Version: "2.1-SNAPSHOT",
	}))
	reg.Create(configFor("billing", artifact.Coordinates{
		GroupID: "com.example", ArtifactID: "ledger", Version: "1.0",
	}))

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"by artifact", "ledger", "billing"},
		{"by name", "billing", "billing"},
		{"by group", "net.whydah.identity", admin.Name},
		{"by version", "2.1-SNAPSHOT", admin.Name},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := reg.Search(tt.query, 10)
			if err != nil {
				t.Fatalf("Search error: %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("len(results) = %d, want 1", len(results))
			}
			if results[0].Name != tt.want {
				t.Errorf("result = %q, want %q", results[0].Name, tt.want)
			}
		})
	}
}

func TestSearchIndex_FollowsUpdatesAndDeletes(t *testing.T) {
	reg := newIndexedRegistry(t)

	created, _ := reg.Create(configFor("widget", artifact.Coordinates{
		GroupID: "net.example", ArtifactID: "widget", Version: "1.0",
	}))

	created.Name = "gadget"
	created.DownloadItems = nil
	reg.Update(*created)

	if results, _ := reg.Search("widget", 10); len(results) != 0 {
		t.Errorf("stale index entry after update: %v", results)
	}
	if results, _ := reg.Search("gadget", 10); len(results) != 1 {
		t.Errorf("len(results) = %d, want 1", len(results))
	}

	reg.Delete(created.ID)
	if results, _ := reg.Search("gadget", 10); len(results) != 0 {
		t.Errorf("deleted config still found: %v", results)
	}
}

func TestSearchIndex_NoMatch(t *testing.T) {
	reg := newIndexedRegistry(t)
	reg.Create(ServiceConfig{Name: "widget"})

	results, err := reg.Search("nothing-like-it", 0)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}
