// Package metric provides the Prometheus registry wrapper and the broker core
// metrics.
//
// MetricsRegistry owns a private prometheus.Registry with the core Metrics and
// the Go runtime collectors already registered. Components that need their own
// collectors (subscriber queues, for instance) register them through the
// MetricsRegistrar interface, keyed by component and metric name so duplicate
// registrations fail instead of panicking:
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordWritten("central-rrd")
//
// Server exposes the registry over HTTP with promhttp:
//
//	srv := metric.NewServer(":9090", "/metrics", registry, healthHandler)
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop(ctx)
//
// Core metrics use the "bbdo" namespace:
//
//   - bbdo_multiplexer_events_published_total{category}
//   - bbdo_multiplexer_events_dropped_total{subscriber}
//   - bbdo_stream_events_read_total / events_written_total{endpoint}
//   - bbdo_stream_acks_sent_total, resyncs_total, resync_discarded_bytes_total{endpoint}
//   - bbdo_failover_switches_total{output,to}, reconnect_attempts_total{endpoint}
//   - bbdo_failover_retention_size{output}
//   - bbdo_endpoint_up{endpoint}
//
// Record methods accept a nil *Metrics so components built without a registry
// (most unit tests) need no guards.
package metric
