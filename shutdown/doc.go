// Package shutdown coordinates graceful shutdown of the server's components.
//
// Handlers are registered in phases. Lower phases run first; handlers in the
// same phase run concurrently. The server uses four phases:
//
//   - PhaseIngress: stop the HTTP API
//   - PhaseHeartbeat: stop bus listeners and liveness tracking
//   - PhasePublish: stop the metrics publisher and flush the last window
//   - PhaseInfrastructure: close the bus, the registry and the trace exporter
//
// Usage:
//
//	coord, _ := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
//	coord.HandleSignals()
//	coord.RegisterWithPhase("http", server, shutdown.PhaseIngress)
//	coord.RegisterWithPhase("publisher", publisher, shutdown.PhasePublish)
//	<-coord.Done()
//
// A failed or panicking handler is recorded in the result and the remaining
// phases still run unless StopOnError is set.
package shutdown
