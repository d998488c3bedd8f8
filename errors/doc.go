// Package errors provides the structured error taxonomy used across fleetconf.
//
// # Error Categories
//
//   - Transient: the metrics sink or another collaborator may recover (retry may help)
//   - Permanent: invalid input, unknown configuration, stale binding
//   - Internal: unexpected failures
//
// # Error Codes
//
//   - NOT_FOUND: configuration or binding does not exist
//   - STALE_BINDING: client is bound to a configuration that was deleted
//   - INVALID_INPUT: e.g. create called with a pre-assigned identifier
//   - PUBLISH_FAILED: a metrics batch was rejected by the sink
//
// # Usage
//
//	err := errors.NotFound("service config not found", errors.WithConfigID(id))
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    w.WriteHeader(errors.HTTPStatus(err))
//	}
//
// Errors serialize to JSON so the HTTP API can return them as response bodies.
package errors
