package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the broker-wide metrics. Every Record method is safe on a
// nil receiver so components can run without a registry.
type Metrics struct {
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsRead      *prometheus.CounterVec
	EventsWritten   *prometheus.CounterVec
	AcksSent        *prometheus.CounterVec
	Resyncs         *prometheus.CounterVec
	ResyncBytes     *prometheus.CounterVec
	Failovers       *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	RetentionSize   *prometheus.GaugeVec
	EndpointUp      *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "multiplexer",
				Name:      "events_published_total",
				Help:      "Events published into the multiplexer",
			},
			[]string{"category"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "multiplexer",
				Name:      "events_dropped_total",
				Help:      "Events dropped by a subscriber queue overflow policy",
			},
			[]string{"subscriber"},
		),

		EventsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "stream",
				Name:      "events_read_total",
				Help:      "Events decoded from an endpoint",
			},
			[]string{"endpoint"},
		),

		EventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "stream",
				Name:      "events_written_total",
				Help:      "Events written to an endpoint",
			},
			[]string{"endpoint"},
		),

		AcksSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "stream",
				Name:      "acks_sent_total",
				Help:      "Acknowledgement frames sent to a peer",
			},
			[]string{"endpoint"},
		),

		Resyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "stream",
				Name:      "resyncs_total",
				Help:      "Framing errors that triggered a resynchronisation",
			},
			[]string{"endpoint"},
		),

		ResyncBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "stream",
				Name:      "resync_discarded_bytes_total",
				Help:      "Bytes discarded while resynchronising",
			},
			[]string{"endpoint"},
		),

		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "failover",
				Name:      "switches_total",
				Help:      "Active endpoint switches of a failover chain",
			},
			[]string{"output", "to"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bbdo",
				Subsystem: "failover",
				Name:      "reconnect_attempts_total",
				Help:      "Endpoint open attempts after a failure",
			},
			[]string{"endpoint"},
		),

		RetentionSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bbdo",
				Subsystem: "failover",
				Name:      "retention_size",
				Help:      "Unacknowledged events retained for replay",
			},
			[]string{"output"},
		),

		EndpointUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bbdo",
				Subsystem: "endpoint",
				Name:      "up",
				Help:      "Endpoint stream status (0=down, 1=up)",
			},
			[]string{"endpoint"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsPublished,
		m.EventsDropped,
		m.EventsRead,
		m.EventsWritten,
		m.AcksSent,
		m.Resyncs,
		m.ResyncBytes,
		m.Failovers,
		m.Reconnects,
		m.RetentionSize,
		m.EndpointUp,
	}
}

// RecordPublished counts a published event
func (m *Metrics) RecordPublished(category string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(category).Inc()
}

// RecordDropped counts an event lost to a subscriber overflow policy
func (m *Metrics) RecordDropped(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(subscriber).Inc()
}

// RecordRead counts an event decoded from endpoint
func (m *Metrics) RecordRead(endpoint string) {
	if m == nil {
		return
	}
	m.EventsRead.WithLabelValues(endpoint).Inc()
}

// RecordWritten counts an event written to endpoint
func (m *Metrics) RecordWritten(endpoint string) {
	if m == nil {
		return
	}
	m.EventsWritten.WithLabelValues(endpoint).Inc()
}

// RecordAckSent counts an acknowledgement frame sent on endpoint
func (m *Metrics) RecordAckSent(endpoint string) {
	if m == nil {
		return
	}
	m.AcksSent.WithLabelValues(endpoint).Inc()
}

// RecordResync counts a resynchronisation and the bytes it discarded
func (m *Metrics) RecordResync(endpoint string, discarded int) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(endpoint).Inc()
	m.ResyncBytes.WithLabelValues(endpoint).Add(float64(discarded))
}

// RecordFailover counts a switch of output to the endpoint named to
func (m *Metrics) RecordFailover(output, to string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(output, to).Inc()
}

// RecordReconnect counts an open attempt after failure
func (m *Metrics) RecordReconnect(endpoint string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(endpoint).Inc()
}

// RecordRetention updates the retention queue depth of output
func (m *Metrics) RecordRetention(output string, size int) {
	if m == nil {
		return
	}
	m.RetentionSize.WithLabelValues(output).Set(float64(size))
}

// RecordEndpointStatus updates endpoint up/down status
func (m *Metrics) RecordEndpointStatus(endpoint string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.EndpointUp.WithLabelValues(endpoint).Set(value)
}
