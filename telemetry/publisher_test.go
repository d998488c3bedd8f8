package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zoobzio/clockz"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
)

// recordingSink remembers every batch and can fail selected calls.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]Datum
	calls   int
	failOn  map[int]bool // call index -> fail
	closed  bool
}

func (s *recordingSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	if s.failOn[call] {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, append([]Datum(nil), records...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Datum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Datum(nil), s.batches...)
}

func (s *recordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func enabledConfig() PublisherConfig {
	cfg := DefaultPublisherConfig()
	cfg.Enabled = true
	cfg.Namespace = "fleet/test"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// --- Unit Tests ---

func TestDefaultPublisherConfig(t *testing.T) {
	cfg := DefaultPublisherConfig()
	if cfg.Enabled {
		t.Error("publishing should be disabled by default")
	}
	if cfg.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", cfg.Interval)
	}
	if cfg.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", cfg.BatchSize)
	}
	if cfg.MetricName != "Heartbeats" || cfg.DimensionName != "Client" {
		t.Errorf("names = %q/%q", cfg.MetricName, cfg.DimensionName)
	}
}

func TestPublisherConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PublisherConfig
		wantErr bool
	}{
		{"disabled zero value", PublisherConfig{}, false},
		{"enabled with namespace", PublisherConfig{Enabled: true, Namespace: "ns"}, false},
		{"enabled without namespace", PublisherConfig{Enabled: true}, true},
		{"negative interval", PublisherConfig{Interval: -time.Second}, true},
		{"negative batch size", PublisherConfig{BatchSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.Interval == 0 || cfg.BatchSize == 0 || cfg.PublishTimeout == 0) {
				t.Errorf("defaults not filled: %+v", cfg)
			}
		})
	}
}

func TestNewPublisher_RequiresSinkWhenEnabled(t *testing.T) {
	if _, err := NewPublisher(enabledConfig(), nil); !ferrors.Is(err, ferrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
	if _, err := NewPublisher(DefaultPublisherConfig(), nil); err != nil {
		t.Errorf("disabled publisher without sink: %v", err)
	}
}

func TestPublisher_FlushCounts(t *testing.T) {
	sink := &recordingSink{}
	clock := clockz.NewFakeClock()
	pub, err := NewPublisher(enabledConfig(), sink, WithClock(clock))
	if err != nil {
		t.Fatalf("NewPublisher error: %v", err)
	}

	for i := 0; i < 5; i++ {
		pub.RecordHeartbeat("client-1")
	}
	pub.RecordHeartbeat("client-2")
	pub.RecordHeartbeat("client-2")

	result := pub.Flush(context.Background())
	if result.Skipped || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.Clients != 2 || result.Records != 2 || result.Batches != 1 {
		t.Errorf("result = %+v", result)
	}

	batches := sink.Batches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
	got := map[string]float64{}
	for _, r := range batches[0] {
		got[r.Dimension("Client")] = r.Value
		if !r.Timestamp.Equal(clock.Now()) {
			t.Errorf("timestamp = %v, want %v", r.Timestamp, clock.Now())
		}
	}
	if got["client-1"] != 5 || got["client-2"] != 2 {
		t.Errorf("values = %v", got)
	}

	// The window was reset.
	if result := pub.Flush(context.Background()); result.Batches != 0 || sink.Calls() != 1 {
		t.Errorf("second flush published again: %+v", result)
	}
}

func TestPublisher_FlushPartitions(t *testing.T) {
	sink := &recordingSink{}
	pub, _ := NewPublisher(enabledConfig(), sink)

	for i := 0; i < 45; i++ {
		pub.RecordHeartbeat(fmt.Sprintf("client-%02d", i))
	}

	result := pub.Flush(context.Background())
	if result.Batches != 3 || result.Records != 45 {
		t.Fatalf("result = %+v", result)
	}

	batches := sink.Batches()
	wantSizes := []int{20, 20, 5}
	if len(batches) != len(wantSizes) {
		t.Fatalf("len(batches) = %d, want 3", len(batches))
	}
	i := 0
	for b, batch := range batches {
		if len(batch) != wantSizes[b] {
			t.Errorf("batch %d size = %d, want %d", b, len(batch), wantSizes[b])
		}
		for _, r := range batch {
			if want := fmt.Sprintf("client-%02d", i); r.Dimension("Client") != want {
				t.Errorf("record %d client = %q, want %q", i, r.Dimension("Client"), want)
			}
			i++
		}
	}
}

func TestPublisher_FailedBatchDoesNotAbortTick(t *testing.T) {
	sink := &recordingSink{failOn: map[int]bool{1: true}}
	metrics := NewMetrics()
	pub, _ := NewPublisher(enabledConfig(), sink, WithMetrics(metrics))

	for i := 0; i < 45; i++ {
		pub.RecordHeartbeat(fmt.Sprintf("client-%02d", i))
	}

	result := pub.Flush(context.Background())
	if sink.Calls() != 3 {
		t.Fatalf("sink calls = %d, want 3", sink.Calls())
	}
	if result.Failed != 1 || result.Records != 25 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) != 1 || !ferrors.Is(result.Errors[0], ferrors.ErrCodePublishFailed) {
		t.Errorf("errors = %v", result.Errors)
	}
	if result.Err() == nil {
		t.Error("Err() should report the failed batch")
	}

	if got := testutil.ToFloat64(metrics.BatchesFailed); got != 1 {
		t.Errorf("batches failed metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BatchesPublished); got != 2 {
		t.Errorf("batches published metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.RecordsPublished); got != 25 {
		t.Errorf("records published metric = %v, want 25", got)
	}

	// Failed records are dropped, not retried.
	if result := pub.Flush(context.Background()); result.Batches != 0 {
		t.Errorf("failed batch retried: %+v", result)
	}
}

type panickingSink struct{}

func (panickingSink) PublishBatch(context.Context, string, []Datum) error { panic("boom") }
func (panickingSink) Close() error                                        { return nil }

func TestPublisher_SinkPanic(t *testing.T) {
	pub, _ := NewPublisher(enabledConfig(), panickingSink{})
	pub.RecordHeartbeat("client-1")

	result := pub.Flush(context.Background())
	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	close(s.entered)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSink) Close() error { return nil }

func TestPublisher_OverlappingFlushIsSkipped(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	metrics := NewMetrics()
	pub, _ := NewPublisher(enabledConfig(), sink, WithMetrics(metrics))
	pub.RecordHeartbeat("client-1")

	done := make(chan FlushResult)
	go func() { done <- pub.Flush(context.Background()) }()

	<-sink.entered
	if pub.State() != StateFlushing {
		t.Errorf("State() = %v, want flushing", pub.State())
	}

	if result := pub.Flush(context.Background()); !result.Skipped {
		t.Errorf("overlapping flush not skipped: %+v", result)
	}
	if got := testutil.ToFloat64(metrics.TicksSkipped); got != 1 {
		t.Errorf("ticks skipped = %v, want 1", got)
	}

	close(sink.release)
	if result := <-done; result.Records != 1 {
		t.Errorf("first flush = %+v", result)
	}
}

func TestPublisher_PublishTimeout(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := enabledConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	pub, _ := NewPublisher(cfg, sink)
	pub.RecordHeartbeat("client-1")

	result := pub.Flush(context.Background())
	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	sink := &recordingSink{}
	pub, _ := NewPublisher(DefaultPublisherConfig(), sink)

	for i := 0; i < 10; i++ {
		pub.RecordHeartbeat("client-1")
	}
	if pub.State() != StateDormant {
		t.Errorf("State() = %v, want dormant", pub.State())
	}
	if err := pub.Start(context.Background()); err != nil {
		t.Errorf("Start on disabled publisher: %v", err)
	}
	if err := pub.Stop(); err != ErrNotStarted {
		t.Errorf("Stop() = %v, want ErrNotStarted", err)
	}
	if result := pub.Flush(context.Background()); result.Records != 0 {
		t.Errorf("disabled publisher flushed records: %+v", result)
	}
	if err := pub.OnShutdown(context.Background()); err != nil {
		t.Errorf("OnShutdown: %v", err)
	}
	if sink.Calls() != 0 {
		t.Errorf("sink called %d times", sink.Calls())
	}
}

func TestPublisher_State(t *testing.T) {
	pub, _ := NewPublisher(enabledConfig(), &recordingSink{})

	if pub.State() != StateIdle {
		t.Errorf("State() = %v, want idle", pub.State())
	}
	pub.RecordHeartbeat("client-1")
	if pub.State() != StateCollecting {
		t.Errorf("State() = %v, want collecting", pub.State())
	}
	pub.Flush(context.Background())
	if pub.State() != StateIdle {
		t.Errorf("State() after flush = %v, want idle", pub.State())
	}
}

func TestPublisher_SharedAggregator(t *testing.T) {
	agg := heartbeat.NewAggregator()
	sink := &recordingSink{}
	pub, _ := NewPublisher(enabledConfig(), sink, WithAggregator(agg))

	agg.Record("client-1")
	pub.Flush(context.Background())

	if batches := sink.Batches(); len(batches) != 1 || batches[0][0].Dimension("Client") != "client-1" {
		t.Errorf("batches = %v", batches)
	}
}

func TestPublisher_StartStop(t *testing.T) {
	sink := &recordingSink{}
	cfg := enabledConfig()
	cfg.Interval = 10 * time.Millisecond
	pub, _ := NewPublisher(cfg, sink)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := pub.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	pub.RecordHeartbeat("client-1")
	waitFor(t, "tick to publish", func() bool { return sink.Calls() >= 1 })

	if err := pub.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := pub.Stop(); err != ErrNotStarted {
		t.Errorf("second Stop = %v, want ErrNotStarted", err)
	}
	if last := pub.LastFlush(); last.Started.IsZero() {
		t.Error("LastFlush should be recorded")
	}
}

// gatedSink holds each batch until the test releases it.
type gatedSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{entered: make(chan struct{}, 4), release: make(chan struct{}, 4)}
}

func (s *gatedSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingSink.PublishBatch(ctx, namespace, records)
}

// startFake starts pub and waits until its loop is waiting on clock.
func startFake(t *testing.T, pub *Publisher, clock *clockz.FakeClock) {
	t.Helper()
	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, "loop to wait for the interval", clock.HasWaiters)
}

func advance(clock *clockz.FakeClock, d time.Duration) {
	clock.Advance(d)
	clock.BlockUntilReady()
}

func waitEntered(t *testing.T, sink *gatedSink) {
	t.Helper()
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the sink to be called")
	}
}

func TestPublisher_TicksOncePerInterval(t *testing.T) {
	sink := &recordingSink{}
	clock := clockz.NewFakeClock()
	pub, _ := NewPublisher(enabledConfig(), sink, WithClock(clock))
	startFake(t, pub, clock)
	defer pub.Stop()

	pub.RecordHeartbeat("client-1")
	advance(clock, 30*time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := sink.Calls(); got != 0 {
		t.Fatalf("sink calls after 30s = %d, want 0", got)
	}

	advance(clock, 31*time.Second)
	waitFor(t, "first tick", func() bool { return !pub.LastFlush().Started.IsZero() })
	if got := sink.Calls(); got != 1 {
		t.Fatalf("sink calls after 61s = %d, want 1", got)
	}
	waitFor(t, "loop to wait again", clock.HasWaiters)

	pub.RecordHeartbeat("client-1")
	advance(clock, 59*time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := sink.Calls(); got != 1 {
		t.Fatalf("sink calls 59s after first tick = %d, want 1", got)
	}

	advance(clock, time.Second)
	waitFor(t, "second tick", func() bool { return sink.Calls() == 2 })
}

func TestPublisher_NextTickWaitsForSlowTick(t *testing.T) {
	sink := newGatedSink()
	clock := clockz.NewFakeClock()
	cfg := enabledConfig()
	cfg.PublishTimeout = time.Hour
	pub, _ := NewPublisher(cfg, sink, WithClock(clock))
	startFake(t, pub, clock)
	defer pub.Stop()

	pub.RecordHeartbeat("client-1")
	advance(clock, time.Minute)
	waitEntered(t, sink)

	// Time passing during a slow tick does not schedule extra ticks.
	advance(clock, 5*time.Minute)
	sink.release <- struct{}{}
	waitFor(t, "slow tick to finish", func() bool { return pub.LastFlush().Records == 1 })
	waitFor(t, "loop to wait again", clock.HasWaiters)

	pub.RecordHeartbeat("client-1")
	advance(clock, 59*time.Second)
	select {
	case <-sink.entered:
		t.Fatal("tick ran before a full interval after the slow tick")
	case <-time.After(20 * time.Millisecond):
	}

	advance(clock, time.Second)
	waitEntered(t, sink)
	sink.release <- struct{}{}
	waitFor(t, "second tick", func() bool { return sink.Calls() == 2 })
}

func TestPublisher_StopWaitsForInFlightTick(t *testing.T) {
	sink := newGatedSink()
	clock := clockz.NewFakeClock()
	cfg := enabledConfig()
	cfg.PublishTimeout = time.Hour
	pub, _ := NewPublisher(cfg, sink, WithClock(clock))
	startFake(t, pub, clock)

	pub.RecordHeartbeat("client-1")
	advance(clock, time.Minute)
	waitEntered(t, sink)

	stopped := make(chan error, 1)
	go func() { stopped <- pub.Stop() }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v while a tick was publishing", err)
	case <-time.After(20 * time.Millisecond):
	}

	sink.release <- struct{}{}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}

	if last := pub.LastFlush(); last.Failed != 0 || last.Records != 1 {
		t.Errorf("LastFlush = %+v, want 1 record and no failures", last)
	}
	if batches := sink.Batches(); len(batches) != 1 {
		t.Errorf("published batches = %d, want 1", len(batches))
	}
}

func TestPublisher_StopContextAbortsTick(t *testing.T) {
	sink := newGatedSink()
	clock := clockz.NewFakeClock()
	cfg := enabledConfig()
	cfg.PublishTimeout = time.Hour
	pub, _ := NewPublisher(cfg, sink, WithClock(clock))
	startFake(t, pub, clock)

	pub.RecordHeartbeat("client-1")
	advance(clock, time.Minute)
	waitEntered(t, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pub.StopContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("StopContext() = %v, want deadline exceeded", err)
	}
	if last := pub.LastFlush(); last.Failed != 1 || last.Records != 0 {
		t.Errorf("LastFlush = %+v, want the aborted batch counted as failed", last)
	}
	if err := pub.Stop(); err != ErrNotStarted {
		t.Errorf("Stop after StopContext = %v, want ErrNotStarted", err)
	}
}

func TestPublisher_OnShutdownFlushesPending(t *testing.T) {
	sink := &recordingSink{}
	pub, _ := NewPublisher(enabledConfig(), sink)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	pub.RecordHeartbeat("client-1")

	if err := pub.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown error: %v", err)
	}
	if sink.Calls() != 1 {
		t.Errorf("sink calls = %d, want 1", sink.Calls())
	}
	if !sink.closed {
		t.Error("sink should be closed")
	}
}

func TestPublisher_MetricsHandler(t *testing.T) {
	metrics := NewMetrics()
	pub, _ := NewPublisher(enabledConfig(), &recordingSink{}, WithMetrics(metrics))
	pub.RecordHeartbeat("client-1")
	pub.Flush(context.Background())

	body, err := scrape(metrics)
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	for _, name := range []string{
		"fleetconf_heartbeats_recorded_total 1",
		"fleetconf_clients_last_tick 1",
		"fleetconf_publish_tick_duration_seconds_count 1",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

// --- Concurrency Tests ---

func TestPublisher_ConcurrentRecordAndFlush(t *testing.T) {
	sink := &recordingSink{}
	pub, _ := NewPublisher(enabledConfig(), sink)

	const (
		workers = 8
		perWork = 500
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				pub.RecordHeartbeat(fmt.Sprintf("client-%d", w))
			}
		}(w)
	}

	var flushed atomic.Int64
	stop := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for {
			select {
			case <-stop:
				return
			default:
				pub.Flush(context.Background())
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-flushDone
	pub.Flush(context.Background())

	for _, batch := range sink.Batches() {
		for _, r := range batch {
			flushed.Add(int64(r.Value))
		}
	}
	if got := flushed.Load(); got != workers*perWork {
		t.Errorf("published total = %d, want %d", got, workers*perWork)
	}
}
