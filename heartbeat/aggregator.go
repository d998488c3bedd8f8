package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Aggregator counts heartbeats per client between drains.
//
// Record is safe to call from any number of goroutines. Drain atomically
// swaps the live map for an empty one, so every Record lands in exactly one
// drain: either the one that swapped its map out, or a later one.
type Aggregator struct {
	// mu guards the counts pointer, not the counters. Record holds it
	// shared so records proceed in parallel; Drain holds it exclusively
	// only for the swap.
	mu     sync.RWMutex
	counts *sync.Map // clientID -> *atomic.Int64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{counts: &sync.Map{}}
}

// Record adds one heartbeat for clientID.
func (a *Aggregator) Record(clientID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	v, ok := a.counts.Load(clientID)
	if !ok {
		v, _ = a.counts.LoadOrStore(clientID, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

// RecordHeartbeat implements Recorder.
func (a *Aggregator) RecordHeartbeat(clientID string) {
	a.Record(clientID)
}

// Drain returns the counts accumulated since the previous drain and resets
// them. Clients with no heartbeats in the window are absent.
func (a *Aggregator) Drain() map[string]int64 {
	a.mu.Lock()
	old := a.counts
	a.counts = &sync.Map{}
	a.mu.Unlock()

	// No Record can still hold old once the swap is done.
	out := make(map[string]int64)
	old.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n > 0 {
			out[k.(string)] = n
		}
		return true
	})
	return out
}

// Peek returns the current counts without resetting them.
func (a *Aggregator) Peek() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]int64)
	a.counts.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Clients returns the client IDs in a drained map, sorted. Publishing in
// sorted order keeps batch contents deterministic.
func Clients(counts map[string]int64) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
