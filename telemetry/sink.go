package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/fleetconf/bus"
)

// Sink receives metric batches from the publisher.
//
// PublishBatch must honor ctx: the publisher bounds every call with a
// timeout. Any error is treated as a transient, non-fatal loss of that batch.
type Sink interface {
	PublishBatch(ctx context.Context, namespace string, records []Datum) error
	Close() error
}

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	// Kind is one of "cloudwatch", "http", "file", "bus", "noop" (or "").
	Kind string

	// Endpoint is the HTTP URL for "http", the file path for "file", and
	// an optional endpoint override for "cloudwatch".
	Endpoint string

	// Region is the AWS region for "cloudwatch".
	Region string

	// Timeout bounds HTTP requests for "http". Default: 10 seconds.
	Timeout time.Duration

	// Bus is the message bus for "bus".
	Bus bus.MessageBus
}

// NewSink creates a sink from configuration.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Kind {
	case "cloudwatch":
		s, err := NewCloudWatchSink(ctx, CloudWatchConfig{Region: cfg.Region, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http sink: endpoint is required")
		}
		return NewHTTPSink(cfg.Endpoint, cfg.Timeout), nil
	case "file":
		s, err := NewFileSink(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bus":
		if cfg.Bus == nil {
			return nil, fmt.Errorf("bus sink: message bus is required")
		}
		return NewBusSink(cfg.Bus), nil
	case "noop", "":
		return NewNoopSink(), nil
	default:
		return nil, fmt.Errorf("unknown metrics sink: %s", cfg.Kind)
	}
}

// --- Noop Sink ---

// NoopSink discards every batch.
type NoopSink struct{}

// NewNoopSink creates a new noop sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	return nil
}

func (s *NoopSink) Close() error { return nil }
