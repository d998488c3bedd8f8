package heartbeat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/fleetconf/bus"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNoClientID     = errors.New("heartbeat has no client id")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// SubjectPattern matches every client's heartbeat subject.
const SubjectPattern = SubjectPrefix + "*"

// Heartbeat is a single "I'm alive" message from an agent.
type Heartbeat struct {
	// ClientID identifies the sending agent.
	ClientID string `json:"client_id"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Status of the agent (e.g., "running", "starting", "stopped").
	Status string `json:"status,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.ClientID
}

// FromMessage decodes a bus message. The client ID falls back to the subject
// suffix when the payload omits it, and an empty payload is accepted as a
// bare heartbeat.
func FromMessage(msg *bus.Message) (*Heartbeat, error) {
	hb := &Heartbeat{}
	if len(msg.Data) > 0 {
		decoded, err := Unmarshal(msg.Data)
		if err != nil {
			return nil, err
		}
		hb = decoded
	}

	if hb.ClientID == "" && strings.HasPrefix(msg.Subject, SubjectPrefix) {
		hb.ClientID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}
	if hb.ClientID == "" {
		return nil, ErrNoClientID
	}
	return hb, nil
}

// Recorder counts heartbeats. The telemetry publisher implements it; so does
// the Aggregator directly.
type Recorder interface {
	RecordHeartbeat(clientID string)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(clientID string)

// RecordHeartbeat calls f(clientID).
func (f RecorderFunc) RecordHeartbeat(clientID string) { f(clientID) }

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// ClientID identifies this agent.
	ClientID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "running"
	InitialStatus string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.ClientID == "" {
		return ErrInvalidConfig
	}
	if strings.ContainsAny(c.ClientID, ".*> ") {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: "running",
	}
}
