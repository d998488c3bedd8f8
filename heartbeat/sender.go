package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/bus"
	"github.com/vinayprograms/fleetconf/logging"
)

// BusSender publishes periodic heartbeats for one client.
type BusSender struct {
	bus      bus.MessageBus
	clientID string
	interval time.Duration
	clock    clockz.Clock
	logger   *logging.Logger

	mu       sync.RWMutex
	status   string
	metadata map[string]string

	sent   atomic.Int64
	failed atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SenderOption customizes a BusSender.
type SenderOption func(*BusSender)

// WithSenderClock sets the clock that stamps and schedules heartbeats.
func WithSenderClock(clock clockz.Clock) SenderOption {
	return func(s *BusSender) { s.clock = clock }
}

// WithSenderLogger sets the logger for publish failures.
func WithSenderLogger(logger *logging.Logger) SenderOption {
	return func(s *BusSender) { s.logger = logger }
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig, opts ...SenderOption) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = defaults.InitialStatus
	}

	s := &BusSender{
		bus:      cfg.Bus,
		clientID: cfg.ClientID,
		interval: cfg.Interval,
		clock:    clockz.RealClock,
		logger:   logging.Discard(),
		status:   cfg.InitialStatus,
		metadata: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start sends one heartbeat immediately and then one per interval.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Send()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-s.clock.After(s.interval):
			s.Send()
		}
	}
}

// Send publishes one heartbeat now.
func (s *BusSender) Send() error {
	hb := s.build()
	data, err := hb.Marshal()
	if err == nil {
		err = s.bus.Publish(hb.Subject(), data)
	}
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("heartbeat_send_failed", map[string]interface{}{
			"client_id": s.clientID,
			"error":     err.Error(),
		})
		return err
	}
	s.sent.Add(1)
	return nil
}

func (s *BusSender) build() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		ClientID:  s.clientID,
		Timestamp: s.clock.Now(),
		Status:    s.status,
	}

	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}

	return hb
}

// SetStatus updates the status included in heartbeats.
func (s *BusSender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *BusSender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Sent returns the number of heartbeats published.
func (s *BusSender) Sent() int64 { return s.sent.Load() }

// Failed returns the number of heartbeats that could not be published.
func (s *BusSender) Failed() int64 { return s.failed.Load() }

// ClientID returns the sender's client ID.
func (s *BusSender) ClientID() string {
	return s.clientID
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// OnShutdown implements shutdown.ShutdownHandler.
func (s *BusSender) OnShutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil && err != ErrNotStarted {
		return err
	}
	return nil
}
