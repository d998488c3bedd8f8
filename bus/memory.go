package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used for single-process deployments and tests.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        []*memorySub
	queueGroups map[string][]*memorySub // queue -> members, any pattern
	next        map[string]uint64       // queue -> round-robin cursor
	closed      atomic.Bool
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		queueGroups: make(map[string][]*memorySub),
		next:        make(map[string]uint64),
	}
}

// Publish sends a message to all matching subscribers and to one member of
// each matching queue group.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if Match(sub.pattern, subject) {
			sub.deliver(msg)
		}
	}

	for queue, members := range b.queueGroups {
		b.deliverToOneInQueue(queue, members, msg)
	}

	return nil
}

// deliverToOneInQueue hands msg to the next matching member that has room.
// Must be called with lock held.
func (b *MemoryBus) deliverToOneInQueue(queue string, members []*memorySub, msg *Message) {
	n := uint64(len(members))
	if n == 0 {
		return
	}
	start := b.next[queue]
	for i := uint64(0); i < n; i++ {
		sub := members[(start+i)%n]
		if !Match(sub.pattern, msg.Subject) {
			continue
		}
		if sub.deliver(msg) {
			b.next[queue] = start + i + 1
			return
		}
	}
}

// deliver does a non-blocking send. Must be called with the bus lock held.
func (s *memorySub) deliver(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(pattern, "")
	b.subs = append(b.subs, sub)
	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidQueue
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(pattern, queue)
	b.queueGroups[queue] = append(b.queueGroups[queue], sub)
	return sub, nil
}

func (b *MemoryBus) newSub(pattern, queue string) *memorySub {
	return &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}

	for _, sub := range b.subs {
		sub.close()
	}
	for _, members := range b.queueGroups {
		for _, sub := range members {
			sub.close()
		}
	}

	b.subs = nil
	b.queueGroups = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Load() {
		return nil
	}

	if s.queue == "" {
		s.bus.subs = removeSub(s.bus.subs, s)
	} else {
		s.bus.queueGroups[s.queue] = removeSub(s.bus.queueGroups[s.queue], s)
	}

	s.close()
	return nil
}

// close must be called with the bus lock held.
func (s *memorySub) close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.ch)
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
