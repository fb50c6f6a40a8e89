// Package health provides health monitoring for broker endpoints and the
// broker as a whole, with thread-safe status tracking and aggregation.
//
// # Health States
//
// A status is one of three states:
//   - Healthy: the endpoint is streaming to its primary target
//   - Degraded: the endpoint works but not as configured, for example while
//     failed over to a secondary
//   - Unhealthy: the endpoint is not delivering events
//
// # Core Types
//
// Status is the health of one endpoint or of the whole broker, with an
// optional message, metrics and sub-statuses.
//
// Monitor tracks the last known status of every named endpoint and when its
// level last changed (Status.Since).
//
// Registry polls Provider implementations, such as failover workers and
// acceptors, and stores their answers in a Monitor. Handler exposes the
// aggregate over HTTP. OnChange reports level changes found by Refresh,
// which the broker logs.
//
// # Basic Usage
//
//	reg := health.NewRegistry(nil)
//	reg.Watch("central-out", failover)
//	reg.Watch("poller-in", acceptor)
//
//	http.Handle("/health", health.Handler(reg, "bbdobroker"))
//
// # Aggregation Rules
//
// Aggregate and Monitor.AggregateHealth combine sub-statuses:
//   - any unhealthy sub-status makes the aggregate unhealthy
//   - otherwise any degraded sub-status makes it degraded
//   - otherwise it is healthy
//
// The aggregate message names the units at the worst level.
//
// Handler answers 503 only for an unhealthy aggregate, so a broker running on
// a secondary output still passes liveness checks.
//
// # Messages
//
// Error text shown in a status goes through Sanitize, which strips URLs,
// file paths, addresses and credentials before the message leaves the
// process.
package health
