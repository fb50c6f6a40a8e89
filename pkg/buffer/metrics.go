package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bbdobroker/metric"
)

// bufferMetrics mirrors Statistics into Prometheus for one named queue.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	peeks     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

// Registry names under which a queue's collectors are registered.
const (
	metricWrites      = "buffer_writes"
	metricReads       = "buffer_reads"
	metricPeeks       = "buffer_peeks"
	metricOverflows   = "buffer_overflows"
	metricDrops       = "buffer_drops"
	metricSize        = "buffer_size"
	metricUtilization = "buffer_utilization"
)

var bufferMetricNames = []string{
	metricWrites, metricReads, metricPeeks, metricOverflows,
	metricDrops, metricSize, metricUtilization,
}

// newBufferMetrics registers the collectors of the queue named queue. On
// failure the collectors this call registered are removed again.
func newBufferMetrics(registry *metric.MetricsRegistry, queue string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"queue": queue}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbdo", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbdo", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Events written to the queue."),
		reads:       counter("reads_total", "Events read from the queue."),
		peeks:       counter("peeks_total", "Peeks at the head of the queue."),
		overflows:   counter("overflows_total", "Writes that found the queue full."),
		drops:       counter("drops_total", "Events discarded by the overflow policy."),
		size:        gauge("size", "Events waiting in the queue."),
		utilization: gauge("utilization", "Queue fill ratio between 0 and 1."),
	}

	collectors := []struct {
		name    string
		counter prometheus.Counter
		gauge   prometheus.Gauge
	}{
		{name: metricWrites, counter: m.writes},
		{name: metricReads, counter: m.reads},
		{name: metricPeeks, counter: m.peeks},
		{name: metricOverflows, counter: m.overflows},
		{name: metricDrops, counter: m.drops},
		{name: metricSize, gauge: m.size},
		{name: metricUtilization, gauge: m.utilization},
	}
	for i, c := range collectors {
		var err error
		if c.counter != nil {
			err = registry.RegisterCounter(queue, c.name, c.counter)
		} else {
			err = registry.RegisterGauge(queue, c.name, c.gauge)
		}
		if err != nil {
			for _, done := range collectors[:i] {
				registry.Unregister(queue, done.name)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordPeek()     { m.peeks.Inc() }
func (m *bufferMetrics) recordOverflow() { m.overflows.Inc() }
func (m *bufferMetrics) recordDrop()     { m.drops.Inc() }

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}

// UnregisterMetrics removes the collectors registered for queue. Subscriber
// queues are discarded on unsubscribe and must not leave series behind.
func UnregisterMetrics(registry *metric.MetricsRegistry, queue string) {
	if registry == nil || queue == "" {
		return
	}
	for _, name := range bufferMetricNames {
		registry.Unregister(queue, name)
	}
}
