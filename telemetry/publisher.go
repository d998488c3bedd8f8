package telemetry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/logging"
)

// Publisher defaults.
const (
	DefaultInterval       = 60 * time.Second
	DefaultBatchSize      = 20
	DefaultPublishTimeout = 10 * time.Second
	DefaultMetricName     = "Heartbeats"
	DefaultDimensionName  = "Client"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNotStarted     = errors.New("publisher not started")
)

// State is the publisher's position in its tick cycle.
type State string

const (
	// StateDormant: publishing is disabled. Nothing is aggregated or sent.
	StateDormant State = "dormant"
	// StateIdle: enabled, with no heartbeats in the current window.
	StateIdle State = "idle"
	// StateCollecting: the current window has heartbeats waiting for a tick.
	StateCollecting State = "collecting"
	// StateFlushing: a tick is draining and publishing.
	StateFlushing State = "flushing"
)

// PublisherConfig configures the publisher.
type PublisherConfig struct {
	// Enabled turns publishing on. When false the publisher stays dormant
	// and RecordHeartbeat costs nothing.
	Enabled bool

	// Namespace passed to the sink with every batch. Required when enabled.
	Namespace string

	// Interval between the end of one tick and the start of the next.
	// Default: 60 seconds
	Interval time.Duration

	// BatchSize is the most records handed to the sink in one call.
	// Default: 20
	BatchSize int

	// PublishTimeout bounds each sink call.
	// Default: 10 seconds
	PublishTimeout time.Duration

	// MetricName of every record. Default: "Heartbeats"
	MetricName string

	// DimensionName carrying the client ID. Default: "Client"
	DimensionName string
}

// DefaultPublisherConfig returns configuration with sensible defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Interval:       DefaultInterval,
		BatchSize:      DefaultBatchSize,
		PublishTimeout: DefaultPublishTimeout,
		MetricName:     DefaultMetricName,
		DimensionName:  DefaultDimensionName,
	}
}

// Validate checks the configuration and fills in defaults.
func (c *PublisherConfig) Validate() error {
	defaults := DefaultPublisherConfig()
	if c.Interval < 0 || c.BatchSize < 0 || c.PublishTimeout < 0 {
		return ferrors.InvalidInput("publisher: interval, batch size and timeout must not be negative")
	}
	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaults.PublishTimeout
	}
	if c.MetricName == "" {
		c.MetricName = defaults.MetricName
	}
	if c.DimensionName == "" {
		c.DimensionName = defaults.DimensionName
	}
	if c.Enabled && c.Namespace == "" {
		return ferrors.InvalidInput("publisher: namespace is required when enabled")
	}
	return nil
}

// FlushResult describes one tick.
type FlushResult struct {
	// Skipped is set when another flush was still running.
	Skipped bool

	Clients    int
	Records    int
	Batches    int
	Failed     int
	BatchSizes []int

	// Errors holds one PUBLISH_FAILED error per failed batch.
	Errors []error

	Started  time.Time
	Duration time.Duration
}

// Err joins the batch errors, or returns nil.
func (r FlushResult) Err() error {
	return ferrors.Join(r.Errors...)
}

// Publisher periodically drains heartbeat counts and publishes them to a
// Sink in fixed-size batches.
//
// One goroutine drives the ticks with a fixed delay: the next interval starts
// only after the previous tick has finished, so ticks never overlap.
// Flush may also be called directly; if a flush is already running the call
// is skipped rather than queued.
type Publisher struct {
	cfg     PublisherConfig
	sink    Sink
	agg     *heartbeat.Aggregator
	clock   clockz.Clock
	logger  *logging.Logger
	tracer  *Tracer
	metrics *Metrics

	flushing atomic.Bool

	mu      sync.Mutex
	last    FlushResult
	running bool
	cancel  context.CancelFunc // ends the loop
	abort   context.CancelFunc // cancels an in-flight tick
	doneCh  chan struct{}
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithClock sets the clock that drives ticks and stamps records.
func WithClock(clock clockz.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithTracer sets the tracer for tick and batch spans.
func WithTracer(tracer *Tracer) PublisherOption {
	return func(p *Publisher) { p.tracer = tracer }
}

// WithMetrics sets the Prometheus metrics to update.
func WithMetrics(metrics *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = metrics }
}

// WithAggregator supplies the aggregator to drain.
func WithAggregator(agg *heartbeat.Aggregator) PublisherOption {
	return func(p *Publisher) { p.agg = agg }
}

// NewPublisher creates a publisher. A disabled publisher needs no sink.
func NewPublisher(cfg PublisherConfig, sink Sink, opts ...PublisherOption) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Enabled && sink == nil {
		return nil, ferrors.InvalidInput("publisher: sink is required when enabled")
	}
	if sink == nil {
		sink = NewNoopSink()
	}

	p := &Publisher{
		cfg:    cfg,
		sink:   sink,
		clock:  clockz.RealClock,
		logger: logging.Discard(),
		tracer: GetTracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.agg == nil {
		p.agg = heartbeat.NewAggregator()
	}
	return p, nil
}

// Enabled reports whether publishing is on.
func (p *Publisher) Enabled() bool {
	return p.cfg.Enabled
}

// Config returns the effective configuration.
func (p *Publisher) Config() PublisherConfig {
	return p.cfg
}

// RecordHeartbeat counts a heartbeat for clientID. It never blocks on the
// sink and never fails. It does nothing when publishing is disabled.
func (p *Publisher) RecordHeartbeat(clientID string) {
	if !p.cfg.Enabled {
		return
	}
	p.agg.Record(clientID)
	if p.metrics != nil {
		p.metrics.HeartbeatsRecorded.Inc()
	}
}

// State reports where the publisher is in its cycle.
func (p *Publisher) State() State {
	switch {
	case !p.cfg.Enabled:
		return StateDormant
	case p.flushing.Load():
		return StateFlushing
	case len(p.agg.Peek()) > 0:
		return StateCollecting
	default:
		return StateIdle
	}
}

// LastFlush returns the result of the most recent completed tick.
func (p *Publisher) LastFlush() FlushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Start runs the tick loop until Stop or ctx is done. A disabled publisher
// stays dormant and Start returns nil without starting anything.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		p.logger.Info("publisher_dormant", map[string]interface{}{"reason": "publishing disabled"})
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Ticks run on tickCtx, which outlives loopCtx. Only StopContext's
	// deadline cancels a tick that has already drained its counts.
	loopCtx, cancel := context.WithCancel(ctx)
	tickCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.running = true
	p.cancel = cancel
	p.abort = abort
	p.doneCh = make(chan struct{})

	p.logger.Info("publisher_started", map[string]interface{}{
		"namespace":  p.cfg.Namespace,
		"interval":   p.cfg.Interval.String(),
		"batch_size": p.cfg.BatchSize,
	})

	go p.run(loopCtx, tickCtx, p.doneCh)
	return nil
}

// run waits a full interval before each tick. The wait starts after the
// previous tick ends.
func (p *Publisher) run(loopCtx, tickCtx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-p.clock.After(p.cfg.Interval):
			p.Flush(tickCtx)
		}
	}
}

// Flush runs one tick now: drain, build records, partition, publish each
// batch. Batch failures are logged and counted; they never abort the tick.
func (p *Publisher) Flush(ctx context.Context) FlushResult {
	if !p.flushing.CompareAndSwap(false, true) {
		if p.metrics != nil {
			p.metrics.TicksSkipped.Inc()
		}
		p.logger.TickSkipped()
		return FlushResult{Skipped: true}
	}
	defer p.flushing.Store(false)

	result := FlushResult{Started: p.clock.Now()}

	ctx, span := p.tracer.StartTickSpan(ctx, p.cfg.Namespace)

	counts := p.agg.Drain()
	records := BuildRecords(counts, p.cfg.MetricName, p.cfg.DimensionName, result.Started)
	batches := Partition(records, p.cfg.BatchSize)

	result.Clients = len(counts)
	result.Batches = len(batches)

	for i, batch := range batches {
		result.BatchSizes = append(result.BatchSizes, len(batch))
		if err := p.publishBatch(ctx, i, batch); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Records += len(batch)
	}

	result.Duration = p.clock.Since(result.Started)

	p.tracer.EndTickSpan(span, TickSpanOptions{
		Namespace: p.cfg.Namespace,
		Clients:   result.Clients,
		Records:   result.Records,
		Batches:   result.Batches,
		Failed:    result.Failed,
	})
	if p.metrics != nil {
		p.metrics.TickDuration.Observe(result.Duration.Seconds())
		p.metrics.ClientsLastTick.Set(float64(result.Clients))
	}
	p.logger.TickComplete(len(records), result.Batches, result.Failed, result.Duration)

	p.mu.Lock()
	p.last = result
	p.mu.Unlock()

	return result
}

// publishBatch submits one batch under its own timeout. Panics in the sink
// are converted to errors so a bad sink cannot kill the tick loop.
func (p *Publisher) publishBatch(ctx context.Context, index int, batch []Datum) (err error) {
	ctx, span := p.tracer.StartBatchSpan(ctx, index, len(batch))
	ctx, cancel := p.clock.WithTimeout(ctx, p.cfg.PublishTimeout)
	start := p.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = ferrors.RecoverPanic(r)
		}
		cancel()
		if err != nil {
			err = ferrors.PublishFailed(p.cfg.Namespace, err,
				ferrors.WithMetadata("batch", strconv.Itoa(index)),
				ferrors.WithMetadata("size", strconv.Itoa(len(batch))))
			p.logger.PublishFailed(p.cfg.Namespace, index, len(batch), err)
			if p.metrics != nil {
				p.metrics.BatchesFailed.Inc()
			}
		} else {
			p.logger.BatchPublished(p.cfg.Namespace, len(batch), p.clock.Since(start))
			if p.metrics != nil {
				p.metrics.BatchesPublished.Inc()
				p.metrics.RecordsPublished.Add(float64(len(batch)))
			}
		}
		p.tracer.EndBatchSpan(span, err)
	}()

	return p.sink.PublishBatch(ctx, p.cfg.Namespace, batch)
}

// Stop stops the tick loop. A tick already publishing is allowed to finish;
// each of its batches is still bounded by PublishTimeout.
func (p *Publisher) Stop() error {
	return p.StopContext(context.Background())
}

// StopContext stops the tick loop and waits for an in-flight tick until ctx
// is done. It then cancels that tick and returns ctx's error.
func (p *Publisher) StopContext(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.running = false
	cancel, abort, done := p.cancel, p.abort, p.doneCh
	p.mu.Unlock()

	cancel()
	defer abort()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err()
	}
}

// OnShutdown implements shutdown.ShutdownHandler: stop the loop, then publish
// whatever was collected since the last tick.
func (p *Publisher) OnShutdown(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	if err := p.StopContext(ctx); err != nil && err != ErrNotStarted {
		p.logger.Warn("tick_interrupted", map[string]interface{}{"error": err.Error()})
	}

	result := p.Flush(ctx)
	if err := p.sink.Close(); err != nil {
		p.logger.Warn("sink_close_failed", map[string]interface{}{"error": err.Error()})
	}
	return result.Err()
}
