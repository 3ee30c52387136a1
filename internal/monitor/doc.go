// Package monitor streams bus events to observers over WebSocket.
//
// Each observer gets a Subscription with its own bus cursor, a filter, and a
// bounded queue. A pump goroutine per subscription evaluates events in
// sequence order against the current filter and enqueues matches without
// blocking. An observer whose queue fills, or whose cursor falls out of bus
// retention, is dropped with ErrSubscriberOverrun and the WebSocket is closed
// with code 1008.
//
// Observers change their filter by sending
//
//	{"command":"filter","agents":["A"],"types":["message.sent"]}
//
// Omitting a field, or sending null or an empty list, clears that field. The
// server replies with filter.ack carrying the effective filter and a seq.
// The ack is queued with the events, so everything written before it was
// matched against the old filter and everything after it against the new
// one; seq is the last event evaluated under the old filter.
//
// A dropped observer reconnects with ?since=<last seq>. If that position has
// already been evicted, replay starts at the oldest retained event and the
// connected message carries "gap":true with the actual start in seq.
package monitor
