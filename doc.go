// Package bbdobroker is a broker for BBDO, the binary protocol monitoring
// pollers use to ship check results and status events to central servers.
//
// Events flow in one direction through three layers:
//
//   - Protocol: bbdo encodes events as CRC-checked packets, negotiates
//     compression and TLS, and acknowledges what the peer has processed.
//   - Multiplexing: one engine fans every event out to per-output
//     subscribers filtered by category, each with its own bounded queue.
//   - Processing: failover chains keep one live stream per output and fall
//     back to secondaries (a file spool, a message bus) while the primary
//     is down, replaying unacknowledged events when it returns.
//
// Endpoints live under endpoint/: tcp, file, natsstream, kafka and sink.
// The broker package assembles them from a config.Config, and
// cmd/bbdobroker runs it with Prometheus metrics and a health endpoint.
//
// Subpackages carry their own documentation.
package bbdobroker
