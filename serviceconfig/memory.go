package serviceconfig

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/logging"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Nothing survives a restart.
type MemoryRegistry struct {
	mu       sync.RWMutex
	configs  map[string]ServiceConfig
	watchers []chan Event
	closed   bool

	strict bool
	clock  clockz.Clock
	newID  func() string
	index  *SearchIndex
	logger *logging.Logger
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// StrictUpdate makes Update fail with NOT_FOUND for unknown identifiers.
	// The default is upsert.
	StrictUpdate bool

	// Clock stamps ChangedTimestamp. Default: clockz.RealClock.
	Clock clockz.Clock

	// NewID generates identifiers. Default: random UUIDs.
	NewID func() string

	// Index, if set, is kept in sync with every write and enables Search.
	Index *SearchIndex

	// Logger for registry events. Default: discard.
	Logger *logging.Logger
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		configs:  make(map[string]ServiceConfig),
		watchers: make([]chan Event, 0),
		strict:   cfg.StrictUpdate,
		clock:    cfg.Clock,
		newID:    cfg.NewID,
		index:    cfg.Index,
		logger:   cfg.Logger,
	}
	if r.clock == nil {
		r.clock = clockz.RealClock
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	return r
}

// Create assigns a fresh identifier and stores the configuration.
func (r *MemoryRegistry) Create(cfg ServiceConfig) (*ServiceConfig, error) {
	if cfg.ID != "" {
		return nil, ferrors.InvalidInput("create: configuration already has an id; use update",
			ferrors.WithConfigID(cfg.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ferrors.Unavailable("registry closed")
	}

	id := r.newID()
	for _, taken := r.configs[id]; taken; _, taken = r.configs[id] {
		id = r.newID()
	}

	stored := cfg.Clone()
	stored.ID = id
	stored.ChangedTimestamp = r.clock.Now()
	r.configs[id] = stored

	r.indexPut(stored)
	r.notifyWatchers(Event{Type: EventAdded, Config: stored.Clone()})
	r.logger.ConfigChanged("created", id, stored.Name)

	out := stored.Clone()
	return &out, nil
}

// Update overwrites the configuration stored under cfg.ID.
// Unknown identifiers are inserted unless StrictUpdate is set.
func (r *MemoryRegistry) Update(cfg ServiceConfig) (*ServiceConfig, error) {
	if cfg.ID == "" {
		return nil, ferrors.InvalidInput("update: configuration has no id; use create")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ferrors.Unavailable("registry closed")
	}

	_, exists := r.configs[cfg.ID]
	if !exists && r.strict {
		return nil, ferrors.NotFound("update: service config not found", ferrors.WithConfigID(cfg.ID))
	}

	stored := cfg.Clone()
	stored.ChangedTimestamp = r.clock.Now()
	r.configs[cfg.ID] = stored

	r.indexPut(stored)
	eventType := EventUpdated
	if !exists {
		eventType = EventAdded
	}
	r.notifyWatchers(Event{Type: eventType, Config: stored.Clone()})
	r.logger.ConfigChanged("updated", stored.ID, stored.Name)

	out := stored.Clone()
	return &out, nil
}

// Get retrieves a configuration by identifier.
func (r *MemoryRegistry) Get(id string) (*ServiceConfig, error) {
	if id == "" {
		return nil, ferrors.InvalidInput("get: id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ferrors.Unavailable("registry closed")
	}

	cfg, exists := r.configs[id]
	if !exists {
		return nil, ferrors.NotFound("service config not found", ferrors.WithConfigID(id))
	}

	out := cfg.Clone()
	return &out, nil
}

// Delete removes a configuration. Bindings that reference it become stale.
func (r *MemoryRegistry) Delete(id string) error {
	if id == "" {
		return ferrors.InvalidInput("delete: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ferrors.Unavailable("registry closed")
	}

	cfg, exists := r.configs[id]
	if !exists {
		return ferrors.NotFound("service config not found", ferrors.WithConfigID(id))
	}

	delete(r.configs, id)
	if r.index != nil {
		if err := r.index.Remove(id); err != nil {
			r.logger.Warn("index_remove_failed", map[string]interface{}{"id": id, "error": err.Error()})
		}
	}
	r.notifyWatchers(Event{Type: EventRemoved, Config: cfg})
	r.logger.ConfigChanged("deleted", id, cfg.Name)

	return nil
}

// List returns all configurations ordered by name, then ID.
func (r *MemoryRegistry) List() ([]ServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ferrors.Unavailable("registry closed")
	}

	result := make([]ServiceConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		result = append(result, cfg.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Search returns configurations whose name or artifacts match query.
// Returns UNSUPPORTED when the registry has no index.
func (r *MemoryRegistry) Search(query string, limit int) ([]ServiceConfig, error) {
	if r.index == nil {
		return nil, ferrors.Unsupported("search: registry has no index")
	}

	ids, err := r.index.Search(query, limit)
	if err != nil {
		return nil, ferrors.Wrap(err, "search service configs")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ServiceConfig, 0, len(ids))
	for _, id := range ids {
		// The index may briefly lag a delete.
		if cfg, ok := r.configs[id]; ok {
			result = append(result, cfg.Clone())
		}
	}
	return result, nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ferrors.Unavailable("registry closed")
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// indexPut must be called with lock held.
func (r *MemoryRegistry) indexPut(cfg ServiceConfig) {
	if r.index == nil {
		return
	}
	if err := r.index.Put(cfg); err != nil {
		r.logger.Warn("index_put_failed", map[string]interface{}{"id": cfg.ID, "error": err.Error()})
	}
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
