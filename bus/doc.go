// Package bus provides the message bus that carries agent heartbeats into the
// server and metrics batches out of it.
//
// # Implementations
//
//   - NATSBus: NATS, for multi-instance deployments
//   - MemoryBus: in-process channels, for single-node use and tests
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use NATS wildcards:
// "*" matches exactly one token and ">" matches one or more trailing tokens.
// MemoryBus applies the same rules, so code written against one works with
// the other.
//
//	heartbeat.<client-id>     agent heartbeats
//	metrics.<namespace>       published metrics batches
//
// # Queue Groups
//
// With several server instances behind one NATS cluster, heartbeat listeners
// join a queue group so each heartbeat is counted by exactly one instance:
//
//	sub, _ := b.QueueSubscribe("heartbeat.*", "fleetconf")
//
// Delivery is best-effort. A subscriber with a full buffer misses messages.
package bus
