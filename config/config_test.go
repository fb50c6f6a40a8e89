package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/pkg/retry"
	"github.com/c360/bbdobroker/testutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "broker.json", `{
		"broker": {"name": "poller-1", "source_id": 7},
		"inputs": [
			{"name": "pollers", "type": "tcp", "role": "acceptor", "address": ":5669"}
		],
		"outputs": [
			{"name": "central", "type": "tcp", "address": "central:5669",
			 "failover": "spool", "buffering_timeout": "30s", "retry_interval": "10s",
			 "categories": ["neb"]},
			{"name": "spool", "type": "file", "path": "/var/spool/bbdo"}
		]
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "poller-1", cfg.Broker.Name)
	assert.Equal(t, uint32(7), cfg.Broker.SourceID)
	require.Len(t, cfg.Inputs, 1)
	assert.True(t, cfg.Inputs[0].IsAcceptor())

	require.Len(t, cfg.Outputs, 2)
	central := cfg.Outputs[0]
	assert.Equal(t, 30*time.Second, central.BufferingTimeout.Std())
	assert.Equal(t, 10*time.Second, central.RetryInterval.Std())
	assert.Equal(t, "spool", central.Failover)
	assert.Equal(t, DefaultAckLimit, central.AckLimit)
	assert.True(t, central.NegotiationEnabled())

	spool := cfg.Outputs[1]
	assert.Equal(t, RoleConnector, spool.Role)
	assert.Equal(t, DefaultRetryInterval, spool.RetryInterval.Std())
	assert.Zero(t, spool.BufferingTimeout)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "broker.yaml", `
broker:
  name: yaml-broker
multiplexer:
  queue_size: 50
  overflow_policy: drop_oldest
outputs:
  - name: bus
    type: nats
    url: nats://localhost:4222
    subject: centreon.{category}
    jetstream: true
    negotiation: false
    read_timeout: 1s
    extensions:
      compression:
        mode: "yes"
        algorithm: lz4
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "yaml-broker", cfg.Broker.Name)
	assert.Equal(t, 50, cfg.Multiplexer.QueueSize)
	require.Len(t, cfg.Outputs, 1)
	bus := cfg.Outputs[0]
	assert.True(t, bus.JetStream)
	assert.False(t, bus.NegotiationEnabled())
	assert.Equal(t, time.Second, bus.ReadTimeout.Std())
	assert.Equal(t, "lz4", bus.Extensions.Compression.Algorithm)
	assert.Equal(t, 50, bus.QueueSize, "endpoint queue inherits the multiplexer default")
	assert.Equal(t, "drop_oldest", bus.Overflow)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"broker": {"name": "base", "source_id": 1},
		"multiplexer": {"queue_size": 100},
		"outputs": [{"name": "a", "type": "sink"}]
	}`)
	site := writeFile(t, "site.yml", `
broker:
  name: site
outputs:
  - name: b
    type: sink
    sink: discard
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "site", cfg.Broker.Name)
	assert.Equal(t, uint32(1), cfg.Broker.SourceID, "keys absent from a layer survive")
	assert.Equal(t, 100, cfg.Multiplexer.QueueSize)
	require.Len(t, cfg.Outputs, 1, "lists are replaced")
	assert.Equal(t, "b", cfg.Outputs[0].Name)
}

func TestLoader_Defaults(t *testing.T) {
	path := writeFile(t, "empty.json", `{}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBrokerName, cfg.Broker.Name)
	assert.Equal(t, DefaultQueueSize, cfg.Multiplexer.QueueSize)
	assert.Equal(t, DefaultOverflowPolicy, cfg.Multiplexer.OverflowPolicy)
	assert.Equal(t, DefaultBlockTimeout, cfg.Multiplexer.BlockTimeout.Std())
}

func TestLoader_EndpointDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"outputs": [{"name": "o", "type": "sink"}]}`), "json")
	require.NoError(t, err)

	o := cfg.Outputs[0]
	assert.Equal(t, DefaultAckLimit, o.AckLimit)
	assert.Equal(t, DefaultRetryInterval, o.RetryInterval.Std())
	assert.Equal(t, time.Duration(0), o.BufferingTimeout.Std())
	assert.Equal(t, DefaultRetentionSize, o.RetentionSize)
	assert.Equal(t, DefaultReadTimeout, o.ReadTimeout.Std())
	assert.Equal(t, DefaultNegotiationTimeout, o.NegotiationTimeout.Std())
	assert.Equal(t, DefaultStopTimeout, o.StopTimeout.Std())
	assert.Equal(t, DefaultQueueSize, o.QueueSize)
	assert.Equal(t, DefaultSinkKind, o.Sink)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("BBDO_BROKER_NAME", "from-env")
	t.Setenv("BBDO_BROKER_INSTANCE_ID", "42")
	t.Setenv("BBDO_MULTIPLEXER_QUEUE_SIZE", "77")

	path := writeFile(t, "broker.json", `{"broker": {"name": "from-file"}}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Broker.Name)
	assert.Equal(t, uint32(42), cfg.Broker.InstanceID)
	assert.Equal(t, 77, cfg.Multiplexer.QueueSize)
}

func TestLoader_EnvOverrideInvalid(t *testing.T) {
	t.Setenv("BBDO_BROKER_SOURCE_ID", "not-a-number")

	path := writeFile(t, "broker.json", `{}`)
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLoader_ValidationEnabled(t *testing.T) {
	path := writeFile(t, "broker.json", `{"outputs": [{"name": "o", "type": "carrier-pigeon"}]}`)

	_, err := NewLoader().LoadFile(path)
	require.NoError(t, err, "validation is off by default")

	loader := NewLoader()
	loader.EnableValidation(true)
	_, err = loader.LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoader_BadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "c.json", `{"broker": `},
		{"malformed yaml", "c.yaml", "broker: [unclosed"},
		{"bad duration", "c.json", `{"outputs": [{"name": "o", "type": "sink", "retry_interval": "soon"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewLoader().LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{`"15s"`, 15 * time.Second, false},
		{`"2d"`, 48 * time.Hour, false},
		{`1000000`, time.Millisecond, false},
		{`null`, 0, false},
		{`"later"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestLoader_BuiltDocuments(t *testing.T) {
	b := testutil.NewConfigBuilder("central").
		SourceID(3).
		AddAcceptor("pollers", ":5669").
		AddOutput("primary", TypeTCP, map[string]any{"address": "db:5670", "buffering_timeout": "10s"}).
		AddFailover("primary", "spool", TypeFile, map[string]any{"path": "/var/spool/bbdo"}).
		AddOutput("bus", TypeKafka, map[string]any{"brokers": []string{"k1:9092"}, "topic": "events"})

	for _, name := range []string{"broker.json", "broker.yaml"} {
		loader := NewLoader()
		loader.EnableValidation(true)
		cfg, err := loader.LoadFile(b.WriteFile(t, name))
		require.NoError(t, err, name)

		assert.Equal(t, uint32(3), cfg.Broker.SourceID, name)
		require.Len(t, cfg.Inputs, 1, name)
		assert.True(t, cfg.Inputs[0].IsAcceptor(), name)

		var heads []string
		for _, h := range cfg.Heads() {
			heads = append(heads, h.Name)
		}
		assert.Equal(t, []string{"primary", "bus"}, heads, name)
		assert.Len(t, cfg.Chain("primary"), 2, name)

		primary, ok := cfg.Output("primary")
		require.True(t, ok)
		assert.Equal(t, 10*time.Second, primary.BufferingTimeout.Std(), name)
	}
}

func TestSaveToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Outputs = []EndpointConfig{{Name: "o", Type: TypeTCP, Address: "h:1", RetryInterval: Duration(3 * time.Second)}}

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))

		loaded, err := NewLoader().LoadFile(path)
		require.NoError(t, err, name)
		require.Len(t, loaded.Outputs, 1)
		assert.Equal(t, 3*time.Second, loaded.Outputs[0].RetryInterval.Std(), name)
	}
}

func TestChainAndHeads(t *testing.T) {
	cfg := &Config{Outputs: []EndpointConfig{
		{Name: "a", Failover: "b"},
		{Name: "b", Failover: "c"},
		{Name: "c"},
		{Name: "solo"},
	}}

	var chain []string
	for _, e := range cfg.Chain("a") {
		chain = append(chain, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, chain)

	var heads []string
	for _, e := range cfg.Heads() {
		heads = append(heads, e.Name)
	}
	assert.Equal(t, []string{"a", "solo"}, heads)
}

func TestRetryConfig(t *testing.T) {
	fixed, err := EndpointConfig{RetryInterval: Duration(time.Second)}.RetryConfig()
	require.NoError(t, err)
	assert.Equal(t, retry.Interval(time.Second), fixed)

	exp, err := EndpointConfig{
		RetryPolicy:      "exponential",
		RetryInterval:    Duration(time.Second),
		MaxRetryInterval: Duration(time.Minute),
	}.RetryConfig()
	require.NoError(t, err)
	assert.Equal(t, retry.Exponential, exp.Policy)
	assert.Equal(t, time.Minute, exp.MaxDelay)

	_, err = EndpointConfig{RetryPolicy: "random"}.RetryConfig()
	assert.Error(t, err)
}

func TestCategoryList(t *testing.T) {
	cats, err := EndpointConfig{Categories: []string{"neb", "storage"}}.CategoryList()
	require.NoError(t, err)
	assert.Equal(t, []event.Category{event.CategoryNEB, event.CategoryStorage}, cats)

	cats, err = EndpointConfig{}.CategoryList()
	require.NoError(t, err)
	assert.Nil(t, cats)
}
