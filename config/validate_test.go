package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/errors"
)

func validConfig() *Config {
	cfg := &Config{
		Inputs: []EndpointConfig{
			{Name: "pollers", Type: TypeTCP, Role: RoleAcceptor, Address: ":5669"},
		},
		Outputs: []EndpointConfig{
			{Name: "central", Type: TypeTCP, Address: "central:5669", Failover: "spool"},
			{Name: "spool", Type: TypeFile, Path: "/var/spool/bbdo"},
			{Name: "bus", Type: TypeNATS, URL: "nats://localhost:4222", Categories: []string{"neb"}},
			{Name: "stream", Type: TypeKafka, Brokers: []string{"localhost:9092"}},
			{Name: "log", Type: TypeSink},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown type", func(c *Config) { c.Outputs[4].Type = "smtp" }, `unknown type "smtp"`},
		{"missing type", func(c *Config) { c.Outputs[4].Type = "" }, "type is required"},
		{"missing address", func(c *Config) { c.Outputs[0].Address = "" }, "address is required"},
		{"missing path", func(c *Config) { c.Outputs[1].Path = "" }, "path is required"},
		{"missing url", func(c *Config) { c.Outputs[2].URL = "" }, "url is required"},
		{"missing brokers", func(c *Config) { c.Outputs[3].Brokers = nil }, "brokers are required"},
		{"unknown sink", func(c *Config) { c.Outputs[4].Sink = "printer" }, `unknown sink "printer"`},
		{"missing name", func(c *Config) { c.Outputs[4].Name = "" }, "name is required"},
		{"duplicate name", func(c *Config) { c.Outputs[4].Name = "pollers" }, "name already used"},
		{"unknown role", func(c *Config) { c.Outputs[4].Role = "relay" }, `unknown role "relay"`},
		{"file acceptor", func(c *Config) { c.Outputs[1].Role = RoleAcceptor }, "only tcp endpoints can accept"},
		{"negative ack limit", func(c *Config) { c.Outputs[0].AckLimit = -1 }, "ack_limit must not be negative"},
		{"negative retention", func(c *Config) { c.Outputs[0].RetentionSize = -5 }, "retention_size must not be negative"},
		{"negative buffering", func(c *Config) { c.Outputs[0].BufferingTimeout = -1 }, "buffering_timeout must not be negative"},
		{"negative queue", func(c *Config) { c.Multiplexer.QueueSize = -1 }, "queue_size must not be negative"},
		{"unknown overflow", func(c *Config) { c.Multiplexer.OverflowPolicy = "spill" }, `overflow_policy "spill"`},
		{"unknown retry policy", func(c *Config) { c.Outputs[0].RetryPolicy = "random" }, "unknown retry policy"},
		{"unknown category", func(c *Config) { c.Outputs[2].Categories = []string{"weather"} }, "categories weather"},
		{"unknown compression", func(c *Config) { c.Outputs[0].Extensions.Compression.Algorithm = "zip" }, "compression algorithm"},
		{"unknown tls mode", func(c *Config) { c.Outputs[0].Extensions.TLS.Mode = "maybe" }, "unknown tls mode"},
		{"tls acceptor without cert", func(c *Config) { c.Inputs[0].Extensions.TLS.Mode = "yes" }, "needs cert_file and key_file"},
		{"extensions without negotiation", func(c *Config) {
			off := false
			c.Outputs[0].Negotiation = &off
			c.Outputs[0].Extensions.Compression.Mode = "yes"
		}, "extensions need negotiation"},
		{"sink input", func(c *Config) { c.Inputs[0] = EndpointConfig{Name: "s", Type: TypeSink} }, "a sink cannot be an input"},
		{"failover on input", func(c *Config) { c.Inputs[0].Failover = "spool" }, "failover is only supported on outputs"},
		{"failover to unknown", func(c *Config) { c.Outputs[0].Failover = "nowhere" }, `failover "nowhere" is not an output`},
		{"failover to itself", func(c *Config) { c.Outputs[0].Failover = "central" }, "fails over to itself"},
		{"failover cycle", func(c *Config) { c.Outputs[1].Failover = "central" }, "failover chain loops"},
		{"shared secondary", func(c *Config) { c.Outputs[4].Failover = "spool" }, "already used by"},
		{"failover to acceptor", func(c *Config) {
			c.Outputs = append(c.Outputs, EndpointConfig{Name: "listen", Type: TypeTCP, Role: RoleAcceptor, Address: ":1"})
			c.Outputs[4].Failover = "listen"
		}, "is an acceptor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
			assert.True(t, errors.IsFatal(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Outputs[0].Address = ""
	cfg.Outputs[1].Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
	assert.Contains(t, err.Error(), "path is required")
}
