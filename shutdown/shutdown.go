package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Shutdown phases of the server, lowest first.
const (
	// PhaseIngress stops the HTTP API so no new requests or heartbeats arrive.
	PhaseIngress = 0

	// PhaseHeartbeat stops bus listeners, liveness tracking and senders.
	PhaseHeartbeat = 10

	// PhasePublish stops the metrics publisher and flushes the last window.
	PhasePublish = 20

	// PhaseInfrastructure closes the bus, the registry and the trace exporter.
	PhaseInfrastructure = 30
)

// ShutdownHandler is implemented by components that need graceful shutdown.
type ShutdownHandler interface {
	// OnShutdown is called when shutdown is initiated. The context is
	// cancelled when the shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc is a convenience type for simple shutdown functions.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// CloserFunc adapts a Close method to ShutdownHandler.
func CloserFunc(close func() error) ShutdownHandler {
	return ShutdownFunc(func(context.Context) error { return close() })
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult contains the complete shutdown result.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when triggered by a signal or by
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseInfrastructure
	DefaultPhase int

	// StopOnError ends shutdown after the first phase with a failed handler.
	// By default every phase runs.
	StopOnError bool

	// Clock measures durations. Default: clockz.RealClock.
	Clock clockz.Clock

	// Logger reports each handler as it finishes. Default: discard.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: PhaseInfrastructure,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
	order   int
}
