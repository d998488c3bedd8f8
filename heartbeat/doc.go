// Package heartbeat receives agent heartbeats and counts them for telemetry.
//
// # Overview
//
// Agents announce themselves periodically. Each heartbeat is counted per
// client by an Aggregator, which the telemetry publisher drains on every
// tick, and remembered by a Tracker, which answers "when did client X last
// check in" and reports clients that fall silent.
//
//	┌────────────┐  heartbeat.<client-id>  ┌─────────────┐   Observe   ┌─────────┐
//	│ BusSender  │ ──────────────────────> │ BusListener │ ──────────> │ Tracker │
//	│  (agent)   │                         │  (server)   │             └────┬────┘
//	└────────────┘                         └─────────────┘                  │ RecordHeartbeat
//	                                                                        v
//	                                                                  ┌────────────┐
//	                                                                  │ Aggregator │
//	                                                                  └────────────┘
//
// Heartbeats arriving over HTTP or WebSocket call Tracker.Observe directly.
//
// # Aggregation
//
// Record may be called from any number of goroutines. Drain swaps the live
// map for an empty one, so a record is counted in exactly one drain and no
// record is lost between reading a count and resetting it.
//
//	agg := heartbeat.NewAggregator()
//	agg.Record("client-1")
//	counts := agg.Drain() // map[client-1:1]
//
// # Subjects
//
// Agents publish to heartbeat.<client-id>; the listener subscribes to
// heartbeat.*. Client IDs therefore must not contain dots or wildcards.
// A message whose payload omits client_id takes it from the subject.
package heartbeat
