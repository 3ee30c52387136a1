// Package store provides persistent storage for the broker using SQLite.
//
// # Architecture
//
// The Store interface covers the three tables the broker owns:
//
//   - agents: last known registration and status of every agent
//   - messages: every routed message with its outcome and optional thread id
//   - cli_versions: the CLI version log used to stamp outgoing messages
//
// SQLiteStore is the production implementation. MockStore is an in-memory
// implementation for tests that can also be told to fail writes.
//
// # Schema
//
// The store only ensures its baseline tables and indexes exist. Migrations of
// an existing database are handled outside the broker.
//
// # Time Values
//
// Timestamps are stored as fixed-width UTC text so that range queries
// (inbox polling, retention pruning) can compare them as strings.
package store
