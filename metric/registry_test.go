package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterCollectors(t *testing.T) {
	registry := NewMetricsRegistry()
	var registrar MetricsRegistrar = registry

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})

	require.NoError(t, registrar.RegisterCounter("svc", "test_counter", counter))
	require.NoError(t, registrar.RegisterGauge("svc", "test_gauge", gauge))
	require.NoError(t, registrar.RegisterHistogram("svc", "test_histogram", histogram))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(1.5)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_histogram"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "d"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "d"})

	require.NoError(t, registry.RegisterCounter("a", "duplicate_counter", first))

	err := registry.RegisterCounter("a", "duplicate_counter", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterCounter("b", "duplicate_counter", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "u"})
	require.NoError(t, registry.RegisterCounter("svc", "unregister_counter", counter))
	assert.True(t, gatheredNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("svc", "unregister_counter"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])
	assert.False(t, registry.Unregister("svc", "unregister_counter"))

	// The name is free again.
	require.NoError(t, registry.RegisterCounter("svc", "unregister_counter", counter))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", i)
			counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("svc", name, counter))
		}()
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordPublished("neb")
	core.RecordPublished("neb")
	core.RecordDropped("rrd")
	core.RecordRead("central")
	core.RecordWritten("central")
	core.RecordAckSent("central")
	core.RecordResync("central", 17)
	core.RecordFailover("sql", "sql-backup")
	core.RecordReconnect("sql")
	core.RecordRetention("sql", 12)
	core.RecordEndpointStatus("sql", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(core.EventsPublished.WithLabelValues("neb")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.EventsDropped.WithLabelValues("rrd")))
	assert.Equal(t, 17.0, testutil.ToFloat64(core.ResyncBytes.WithLabelValues("central")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.Failovers.WithLabelValues("sql", "sql-backup")))
	assert.Equal(t, 12.0, testutil.ToFloat64(core.RetentionSize.WithLabelValues("sql")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.EndpointUp.WithLabelValues("sql")))

	names := gatheredNames(t, registry)
	for _, expected := range []string{
		"bbdo_multiplexer_events_published_total",
		"bbdo_multiplexer_events_dropped_total",
		"bbdo_stream_events_read_total",
		"bbdo_stream_events_written_total",
		"bbdo_stream_acks_sent_total",
		"bbdo_stream_resyncs_total",
		"bbdo_stream_resync_discarded_bytes_total",
		"bbdo_failover_switches_total",
		"bbdo_failover_reconnect_attempts_total",
		"bbdo_failover_retention_size",
		"bbdo_endpoint_up",
	} {
		assert.True(t, names[expected], "core metric %s should be gathered", expected)
	}
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var core *Metrics
	assert.NotPanics(t, func() {
		core.RecordPublished("neb")
		core.RecordResync("x", 1)
		core.RecordEndpointStatus("x", false)
	})

	var registry *MetricsRegistry
	assert.Nil(t, registry.CoreMetrics())
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordPublished("neb")

	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":true}`))
	})
	srv := NewServer("127.0.0.1:0", "", registry, health)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	assert.Error(t, srv.Start(), "second start must fail")

	get := func(path string) string {
		resp, err := http.Get("http://" + srv.Address() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	assert.Contains(t, get("/metrics"), "bbdo_multiplexer_events_published_total")
	assert.JSONEq(t, `{"healthy":true}`, get("/health"))
}
