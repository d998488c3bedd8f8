package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/logging"
)

// TrackerConfig configures a liveness tracker.
type TrackerConfig struct {
	// Recorder, if set, is called once for every observed heartbeat.
	Recorder Recorder

	// Timeout after which a silent client is presumed dead.
	// Should be 2-3x the agents' heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead client checker.
	// Default: 1 second
	CheckInterval time.Duration

	// ForgetAfter is how long a silent client is remembered. CheckDead drops
	// clients silent for longer. Values not above Timeout use the default.
	// Default: 1 hour
	ForgetAfter time.Duration

	// Clock stamps arrivals and drives the checker. Default: clockz.RealClock.
	Clock clockz.Clock

	Logger *logging.Logger
}

// DefaultTrackerConfig returns configuration with sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
		ForgetAfter:   time.Hour,
	}
}

// ClientStatus is the tracker's view of one client.
type ClientStatus struct {
	ClientID string     `json:"client_id"`
	LastSeen time.Time  `json:"last_seen"`
	Alive    bool       `json:"alive"`
	Last     *Heartbeat `json:"last_heartbeat,omitempty"`
}

type seenEntry struct {
	hb *Heartbeat
	at time.Time
}

// Tracker remembers when each client was last heard from, forwards every
// heartbeat to a Recorder, and reports clients that fall silent.
//
// Liveness is judged by arrival time on this server's clock, not by the
// timestamp the agent put in the payload.
type Tracker struct {
	recorder      Recorder
	timeout       time.Duration
	checkInterval time.Duration
	forgetAfter   time.Duration
	clock         clockz.Clock
	logger        *logging.Logger

	mu       sync.RWMutex
	seen     map[string]seenEntry
	reported map[string]bool
	deadCBs  []func(string)
	watchers []chan *Heartbeat

	observed atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTracker creates a tracker. The dead client checker runs only after Start.
func NewTracker(cfg TrackerConfig) *Tracker {
	defaults := DefaultTrackerConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.ForgetAfter <= cfg.Timeout {
		cfg.ForgetAfter = max(defaults.ForgetAfter, 4*cfg.Timeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Tracker{
		recorder:      cfg.Recorder,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		forgetAfter:   cfg.ForgetAfter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		seen:          make(map[string]seenEntry),
		reported:      make(map[string]bool),
	}
}

// Observe records a heartbeat. Heartbeats without a client ID are ignored.
func (t *Tracker) Observe(hb *Heartbeat) {
	if hb == nil || hb.ClientID == "" {
		return
	}
	t.observed.Add(1)

	if t.recorder != nil {
		t.recorder.RecordHeartbeat(hb.ClientID)
	}

	now := t.clock.Now()

	t.mu.Lock()
	t.seen[hb.ClientID] = seenEntry{hb: hb, at: now}
	revived := t.reported[hb.ClientID]
	delete(t.reported, hb.ClientID)
	t.mu.Unlock()

	if revived {
		t.logger.Info("client_revived", map[string]interface{}{"client_id": hb.ClientID})
	}

	// Sends happen under the read lock so Stop and Unwatch cannot close a
	// channel mid-send.
	t.mu.RLock()
	for _, ch := range t.watchers {
		select {
		case ch <- hb:
		default:
			// Buffer full, drop
		}
	}
	t.mu.RUnlock()
}

// RecordHeartbeat implements Recorder with a bare heartbeat.
func (t *Tracker) RecordHeartbeat(clientID string) {
	t.Observe(&Heartbeat{ClientID: clientID, Timestamp: t.clock.Now()})
}

// Watch returns a channel that receives every observed heartbeat.
// The channel is closed by Stop.
func (t *Tracker) Watch() <-chan *Heartbeat {
	ch := make(chan *Heartbeat, 64)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

// Unwatch removes and closes a channel returned by Watch.
func (t *Tracker) Unwatch(ch <-chan *Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, w := range t.watchers {
		if w == ch {
			t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
			close(w)
			return
		}
	}
}

// IsAlive reports whether clientID was heard from within the timeout.
func (t *Tracker) IsAlive(clientID string) bool {
	at, ok := t.LastSeen(clientID)
	if !ok {
		return false
	}
	return t.clock.Since(at) <= t.timeout
}

// LastSeen returns when clientID was last heard from.
func (t *Tracker) LastSeen(clientID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.seen[clientID]
	return e.at, ok
}

// LastHeartbeat returns the most recent heartbeat from clientID, if any.
func (t *Tracker) LastHeartbeat(clientID string) *Heartbeat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen[clientID].hb
}

// Clients returns the status of every remembered client, sorted by ID.
func (t *Tracker) Clients() []ClientStatus {
	now := t.clock.Now()

	t.mu.RLock()
	out := make([]ClientStatus, 0, len(t.seen))
	for id, e := range t.seen {
		out = append(out, ClientStatus{
			ClientID: id,
			LastSeen: e.at,
			Alive:    now.Sub(e.at) <= t.timeout,
			Last:     e.hb,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Observed returns the number of heartbeats observed since creation.
func (t *Tracker) Observed() int64 {
	return t.observed.Load()
}

// OnDead registers a callback for when a client is presumed dead.
// Each silence is reported once; a later heartbeat re-arms it.
func (t *Tracker) OnDead(callback func(clientID string)) {
	t.mu.Lock()
	t.deadCBs = append(t.deadCBs, callback)
	t.mu.Unlock()
}

// CheckDead reports clients that have been silent longer than the timeout
// and forgets those silent longer than ForgetAfter.
func (t *Tracker) CheckDead() {
	now := t.clock.Now()
	var dead, forgotten []string

	t.mu.Lock()
	for id, e := range t.seen {
		silent := now.Sub(e.at)
		if silent > t.forgetAfter {
			delete(t.seen, id)
			delete(t.reported, id)
			forgotten = append(forgotten, id)
			continue
		}
		if silent > t.timeout && !t.reported[id] {
			t.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := make([]func(string), len(t.deadCBs))
	copy(callbacks, t.deadCBs)
	t.mu.Unlock()

	if len(forgotten) > 0 {
		t.logger.Debug("clients_forgotten", map[string]interface{}{"count": len(forgotten)})
	}

	sort.Strings(dead)
	for _, id := range dead {
		t.logger.Warn("client_silent", map[string]interface{}{"client_id": id, "timeout": t.timeout.String()})
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// Start runs the dead client checker until Stop.
func (t *Tracker) Start() error {
	if t.running.Swap(true) {
		return ErrAlreadyStarted
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.run()
	return nil
}

func (t *Tracker) run() {
	defer close(t.doneCh)

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.clock.After(t.checkInterval):
			t.CheckDead()
		}
	}
}

// Stop halts the checker and closes all watch channels.
func (t *Tracker) Stop() error {
	if t.running.Swap(false) {
		close(t.stopCh)
		<-t.doneCh
	}

	t.mu.Lock()
	for _, ch := range t.watchers {
		close(ch)
	}
	t.watchers = nil
	t.mu.Unlock()

	return nil
}
