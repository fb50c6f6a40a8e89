// Package natsclient manages the NATS connection behind the NATS endpoint.
//
// A Client wraps one nats.Conn with a circuit breaker: repeated connection
// failures open the circuit and further Connect calls fail fast until the
// backoff elapses. JetStream is initialised on connect and exposed through
// JetStream and EnsureStream.
//
// NewTestServer starts a NATS server in a container with testcontainers-go for
// integration tests.
package natsclient
