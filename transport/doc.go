// Package transport serves the HTTP API: configuration management, client
// bindings, heartbeat ingress and a registry change feed.
//
// # Routes
//
//	POST   /serviceconfig                create (400 if the body has an id)
//	PUT    /serviceconfig                full update
//	GET    /serviceconfig                list
//	GET    /serviceconfig/search?q=      full-text search
//	GET    /serviceconfig/query?clientid= bound configuration (404 none, 410 stale)
//	GET    /serviceconfig/events         server-sent registry events
//	GET    /serviceconfig/{id}           get
//	PUT    /serviceconfig/{id}           full update
//	DELETE /serviceconfig/{id}           delete
//	GET    /client                       client liveness
//	PUT    /client/{clientID}/config     bind (config body or {"id": ...})
//	DELETE /client/{clientID}/config     unbind
//	GET    /client/{clientID}/config     bound configuration
//	POST   /client/{clientID}/heartbeat  heartbeat; answers with the bound config or 204
//	GET    /heartbeat/stream?clientid=   WebSocket heartbeat stream
//	GET    /health
//	GET    /metrics                      Prometheus
//
// The /serviceconfig routes, GET /client and binding changes require basic
// auth when credentials are configured. Errors are the JSON form of
// errors.Error with the status its code maps to.
//
// # Agents
//
// Client wraps the API for agents and operators. StreamClient holds a
// WebSocket heartbeat stream: each text frame is one heartbeat and the server
// answers each with a StreamAck naming the bound configuration.
package transport
