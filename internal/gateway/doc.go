// Package gateway orchestrates the kokino broker.
//
// # Overview
//
// A Gateway owns every broker component: the SQLite store, the event bus, the
// agent registry and its sweep loop, the message router, the monitor manager
// and, when configured, the NATS event mirror. It exposes them over HTTP and
// serves the standard gRPC health service.
//
// # HTTP API
//
//	GET    /health                        liveness, always "OK"
//	GET    /health/ready                  readiness, checks the store
//	POST   /api/agents                    register an agent
//	GET    /api/agents[?status=S]         list agents
//	GET    /api/agents/{id}               get one agent
//	DELETE /api/agents/{id}               deregister
//	POST   /api/agents/{id}/heartbeat     record a heartbeat
//	POST   /api/agents/{id}/messages      send a message to {id}
//	GET    /api/agents/{id}/messages      inbox of {id}
//	GET    /api/threads/{id}/messages     messages sharing a thread id
//	GET    /api/events[?since=N]          retained bus events
//	GET    /ws[?since=N]                  monitoring WebSocket stream
//
// When auth.jwt_secret is set, /api/ and /ws require a bearer token (or an
// access_token query parameter for browsers opening a WebSocket).
//
// # Idempotent sends
//
// A send carrying an Idempotency-Key header is remembered per sender,
// recipient and key for messages.idempotency_ttl. A retry returns the first
// response with Idempotent-Replayed: true. A retry that races the first
// attempt gets 409; a first attempt that fails with 500 frees the key.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// Shutdown marks health NOT_SERVING, closes observer streams with a
// going-away close, drains the servers, stops the background loops and
// closes the store.
package gateway
