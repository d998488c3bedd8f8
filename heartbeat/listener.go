package heartbeat

import (
	"context"
	"sync/atomic"

	"github.com/vinayprograms/fleetconf/bus"
	"github.com/vinayprograms/fleetconf/logging"
)

// ListenerConfig configures a bus heartbeat listener.
type ListenerConfig struct {
	// Bus is the message bus to subscribe on.
	Bus bus.MessageBus

	// Tracker receives every decoded heartbeat.
	Tracker *Tracker

	// Queue, if set, joins a queue group so that several server instances
	// share the heartbeat stream instead of each counting every heartbeat.
	Queue string

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Tracker == nil {
		return ErrInvalidConfig
	}
	return nil
}

// BusListener feeds heartbeats published on heartbeat.<client-id> into a
// Tracker. Undecodable messages are logged and dropped.
type BusListener struct {
	bus     bus.MessageBus
	tracker *Tracker
	queue   string
	logger  *logging.Logger

	received atomic.Int64
	dropped  atomic.Int64

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusListener creates a listener. It does not subscribe until Start.
func NewBusListener(cfg ListenerConfig) (*BusListener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &BusListener{
		bus:     cfg.Bus,
		tracker: cfg.Tracker,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
	}, nil
}

// Start subscribes to heartbeat.* and processes messages in the background.
func (l *BusListener) Start() error {
	if l.running.Swap(true) {
		return ErrAlreadyStarted
	}

	var (
		sub bus.Subscription
		err error
	)
	if l.queue != "" {
		sub, err = l.bus.QueueSubscribe(SubjectPattern, l.queue)
	} else {
		sub, err = l.bus.Subscribe(SubjectPattern)
	}
	if err != nil {
		l.running.Store(false)
		return err
	}

	l.sub = sub
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	l.logger.Info("heartbeat_listener_started", map[string]interface{}{
		"subject": SubjectPattern,
		"queue":   l.queue,
	})

	go l.run()
	return nil
}

func (l *BusListener) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.stopCh:
			return
		case msg, ok := <-l.sub.Messages():
			if !ok {
				return
			}
			l.process(msg)
		}
	}
}

func (l *BusListener) process(msg *bus.Message) {
	hb, err := FromMessage(msg)
	if err != nil {
		l.dropped.Add(1)
		l.logger.HeartbeatDropped(msg.Subject, err)
		return
	}
	l.received.Add(1)
	l.tracker.Observe(hb)
}

// Received returns the number of heartbeats accepted.
func (l *BusListener) Received() int64 { return l.received.Load() }

// Dropped returns the number of messages that could not be decoded.
func (l *BusListener) Dropped() int64 { return l.dropped.Load() }

// Stop unsubscribes and waits for the processing goroutine to exit.
func (l *BusListener) Stop() error {
	if !l.running.Swap(false) {
		return ErrNotStarted
	}

	err := l.sub.Unsubscribe()
	close(l.stopCh)
	<-l.doneCh
	return err
}

// OnShutdown implements shutdown.ShutdownHandler.
func (l *BusListener) OnShutdown(ctx context.Context) error {
	if err := l.Stop(); err != nil && err != ErrNotStarted {
		return err
	}
	return nil
}
