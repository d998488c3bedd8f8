package serviceconfig

import (
	"sort"
	"sync"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/logging"
)

// BindingTable maps client identifiers to configuration identifiers.
//
// Bindings are lookup keys only. Deleting a configuration does not remove the
// bindings that point at it; such bindings are stale and resolve to nothing.
// Each method is atomic on its own, but Bind is a registry write followed by a
// table write and is not a transaction across the two.
type BindingTable struct {
	registry Registry
	logger   *logging.Logger

	mu       sync.RWMutex
	bindings map[string]string // clientID -> configID
}

// NewBindingTable creates a binding table backed by registry.
func NewBindingTable(registry Registry, logger *logging.Logger) *BindingTable {
	if logger == nil {
		logger = logging.Discard()
	}
	return &BindingTable{
		registry: registry,
		logger:   logger,
		bindings: make(map[string]string),
	}
}

// Bind stores cfg (create when it has no ID, full update otherwise) and binds
// clientID to it, replacing any previous binding. Returns the stored config.
func (t *BindingTable) Bind(clientID string, cfg ServiceConfig) (*ServiceConfig, error) {
	if clientID == "" {
		return nil, ferrors.InvalidInput("bind: client id is required")
	}

	var (
		stored *ServiceConfig
		err    error
	)
	if cfg.ID == "" {
		stored, err = t.registry.Create(cfg)
	} else {
		stored, err = t.registry.Update(cfg)
	}
	if err != nil {
		return nil, ferrors.Wrap(err, "bind "+clientID, ferrors.WithClientID(clientID))
	}

	t.set(clientID, stored.ID)
	return stored, nil
}

// BindID binds clientID to an existing configuration.
// Returns NOT_FOUND if configID does not resolve now.
func (t *BindingTable) BindID(clientID, configID string) (*ServiceConfig, error) {
	if clientID == "" {
		return nil, ferrors.InvalidInput("bind: client id is required")
	}

	cfg, err := t.registry.Get(configID)
	if err != nil {
		return nil, ferrors.Wrap(err, "bind "+clientID, ferrors.WithClientID(clientID))
	}

	t.set(clientID, cfg.ID)
	return cfg, nil
}

func (t *BindingTable) set(clientID, configID string) {
	t.mu.Lock()
	t.bindings[clientID] = configID
	t.mu.Unlock()

	t.logger.ClientBound(clientID, configID)
}

// Resolve returns the configuration bound to clientID.
// It reports false both when the client was never bound and when the bound
// configuration has since been deleted. Use Lookup to tell the two apart.
func (t *BindingTable) Resolve(clientID string) (*ServiceConfig, bool) {
	cfg, err := t.Lookup(clientID)
	if err != nil {
		return nil, false
	}
	return cfg, true
}

// Lookup returns the configuration bound to clientID, NOT_FOUND when there is
// no binding, or STALE_BINDING when the bound configuration no longer exists.
func (t *BindingTable) Lookup(clientID string) (*ServiceConfig, error) {
	t.mu.RLock()
	configID, ok := t.bindings[clientID]
	t.mu.RUnlock()

	if !ok {
		return nil, ferrors.NotFound("no configuration bound to client", ferrors.WithClientID(clientID))
	}

	cfg, err := t.registry.Get(configID)
	if err != nil {
		if ferrors.Is(err, ferrors.ErrCodeNotFound) {
			return nil, ferrors.StaleBinding(clientID, configID)
		}
		return nil, err
	}
	return cfg, nil
}

// ConfigID returns the identifier clientID is bound to, stale or not.
func (t *BindingTable) ConfigID(clientID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bindings[clientID]
	return id, ok
}

// Unbind removes the binding for clientID. Returns NOT_FOUND if none exists.
func (t *BindingTable) Unbind(clientID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.bindings[clientID]; !ok {
		return ferrors.NotFound("no configuration bound to client", ferrors.WithClientID(clientID))
	}
	delete(t.bindings, clientID)
	return nil
}

// Clients returns the clients bound to configID, sorted.
func (t *BindingTable) Clients(configID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var clients []string
	for client, id := range t.bindings {
		if id == configID {
			clients = append(clients, client)
		}
	}
	sort.Strings(clients)
	return clients
}

// Snapshot returns a copy of all bindings.
func (t *BindingTable) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string, len(t.bindings))
	for k, v := range t.bindings {
		out[k] = v
	}
	return out
}
