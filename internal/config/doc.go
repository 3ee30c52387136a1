// Package config handles configuration loading for kokino-broker.
//
// # Configuration File
//
// The file is located by DefaultPath:
//
//  1. Path from the KOKINO_CONFIG environment variable
//  2. kokino/broker.yaml under the user config directory
//
// A .toml extension selects TOML; anything else is read as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${KOKINO_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:5050"
//	  grpc_addr: "0.0.0.0:5051"   # optional, health service only
//
//	database:
//	  path: "/var/lib/kokino/broker.db"
//
//	agents:
//	  default_heartbeat_interval: "30s"
//	  sweep_interval: "5s"
//	  offline_multiplier: 3
//
//	events:
//	  retention_count: 10000
//	  retention_duration: "1h"
//
//	monitor:
//	  queue_size: 256
//	  ping_interval: "54s"
//
//	messages:
//	  retention: "720h"
//	  idempotency_ttl: "10m"
//
//	versions:
//	  retention: "2160h"
//
//	nats:
//	  url: "nats://localhost:4222"
//	  subject_prefix: "kokino.events"
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text, json, console
//
// Durations use time.ParseDuration syntax. Omitted values take the defaults
// shown above; retention values default to keeping data forever.
package config
