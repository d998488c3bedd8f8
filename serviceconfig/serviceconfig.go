// Package serviceconfig holds service configurations and the client bindings
// that tell each agent which configuration to run.
package serviceconfig

import (
	"strings"
	"time"

	"github.com/vinayprograms/fleetconf/artifact"
	ferrors "github.com/vinayprograms/fleetconf/errors"
)

// ServiceConfig is a named bundle of download items and a start command.
type ServiceConfig struct {
	// ID is assigned by the registry on create and never changes.
	// Empty means the configuration has never been persisted.
	ID string `json:"id,omitempty"`

	// Name is a human-readable name, e.g. "UserAdminService_2.0.1".
	Name string `json:"name"`

	// DownloadItems are the artifacts the agent fetches, in order.
	DownloadItems []artifact.DownloadItem `json:"downloadItems"`

	// StartServiceScript is the command template used to start the service.
	StartServiceScript string `json:"startServiceScript"`

	// ChangedTimestamp is set by the registry on every create and update.
	ChangedTimestamp time.Time `json:"changedTimestamp"`
}

// New creates an unsaved configuration with the given name.
func New(name string) *ServiceConfig {
	return &ServiceConfig{Name: name}
}

// AddDownloadItem appends a download item.
func (c *ServiceConfig) AddDownloadItem(item artifact.DownloadItem) {
	c.DownloadItems = append(c.DownloadItems, item)
}

// Clone returns a deep copy so stored values never alias caller memory.
func (c ServiceConfig) Clone() ServiceConfig {
	out := c
	if c.DownloadItems != nil {
		out.DownloadItems = make([]artifact.DownloadItem, len(c.DownloadItems))
		copy(out.DownloadItems, c.DownloadItems)
	}
	return out
}

// Validate checks fields a stored configuration must have.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ferrors.InvalidInput("service config: name is required", ferrors.WithConfigID(c.ID))
	}
	for _, item := range c.DownloadItems {
		if item.URL == "" {
			return ferrors.InvalidInput("service config: download item without url",
				ferrors.WithConfigID(c.ID), ferrors.WithMetadata("artifact", item.Metadata.String()))
		}
	}
	return nil
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Config is the stored state. For removal events, the last known state.
	Config ServiceConfig
}

// Registry stores service configurations by identifier.
type Registry interface {
	// Create assigns a fresh identifier and stores the configuration.
	// Returns INVALID_INPUT if cfg already carries an identifier.
	Create(cfg ServiceConfig) (*ServiceConfig, error)

	// Update overwrites the configuration stored under cfg.ID in full.
	// Returns INVALID_INPUT if cfg has no identifier.
	Update(cfg ServiceConfig) (*ServiceConfig, error)

	// Get returns the configuration or NOT_FOUND.
	Get(id string) (*ServiceConfig, error)

	// Delete removes the configuration or returns NOT_FOUND.
	// Bindings referencing it are left in place.
	Delete(id string) error

	// List returns all configurations ordered by name, then ID.
	List() ([]ServiceConfig, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}
