package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/pkg/retry"
	"github.com/c360/bbdobroker/pkg/tlsutil"
)

// Endpoint types.
const (
	TypeTCP   = "tcp"
	TypeFile  = "file"
	TypeNATS  = "nats"
	TypeKafka = "kafka"
	TypeSink  = "sink"
)

// Endpoint roles.
const (
	RoleConnector = "connector"
	RoleAcceptor  = "acceptor"
)

// Config is the complete broker configuration.
type Config struct {
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Multiplexer MultiplexerConfig `json:"multiplexer" yaml:"multiplexer"`
	// Inputs feed the multiplexer.
	Inputs []EndpointConfig `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Outputs drain it. An output named by another output's failover only
	// runs as that output's secondary.
	Outputs []EndpointConfig `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// BrokerConfig identifies this broker instance.
type BrokerConfig struct {
	Name       string `json:"name" yaml:"name"`
	InstanceID uint32 `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	// SourceID is stamped on events the broker originates.
	SourceID uint32 `json:"source_id,omitempty" yaml:"source_id,omitempty"`
}

// MultiplexerConfig sets the queue defaults of every subscriber.
type MultiplexerConfig struct {
	QueueSize      int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	OverflowPolicy string   `json:"overflow_policy,omitempty" yaml:"overflow_policy,omitempty"`
	BlockTimeout   Duration `json:"block_timeout,omitempty" yaml:"block_timeout,omitempty"`
}

// EndpointConfig describes one input or output endpoint.
type EndpointConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`

	// tcp
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	// file
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Sync bool   `json:"sync,omitempty" yaml:"sync,omitempty"`
	// nats
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
	JetStream bool   `json:"jetstream,omitempty" yaml:"jetstream,omitempty"`
	Stream    string `json:"stream,omitempty" yaml:"stream,omitempty"`
	// kafka
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	GroupID string   `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	// sink: memory, log or discard
	Sink string `json:"sink,omitempty" yaml:"sink,omitempty"`

	Failover         string   `json:"failover,omitempty" yaml:"failover,omitempty"`
	RetryInterval    Duration `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`
	RetryPolicy      string   `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	MaxRetryInterval Duration `json:"max_retry_interval,omitempty" yaml:"max_retry_interval,omitempty"`
	BufferingTimeout Duration `json:"buffering_timeout,omitempty" yaml:"buffering_timeout,omitempty"`

	// Negotiation defaults to true.
	Negotiation        *bool            `json:"negotiation,omitempty" yaml:"negotiation,omitempty"`
	NegotiationTimeout Duration         `json:"negotiation_timeout,omitempty" yaml:"negotiation_timeout,omitempty"`
	Extensions         ExtensionsConfig `json:"extensions,omitempty" yaml:"extensions,omitempty"`

	AckLimit        int      `json:"ack_limit,omitempty" yaml:"ack_limit,omitempty"`
	RetentionSize   int      `json:"retention_size,omitempty" yaml:"retention_size,omitempty"`
	ReadTimeout     Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	StopTimeout     Duration `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`
	MaxResyncWindow int      `json:"max_resync_window,omitempty" yaml:"max_resync_window,omitempty"`
	MaxEventSize    int      `json:"max_event_size,omitempty" yaml:"max_event_size,omitempty"`

	// Categories filters what an output receives. Empty means all.
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	QueueSize  int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	Overflow   string   `json:"overflow,omitempty" yaml:"overflow,omitempty"`
}

// ExtensionsConfig holds the negotiable extensions of an endpoint.
type ExtensionsConfig struct {
	Compression CompressionConfig `json:"compression,omitempty" yaml:"compression,omitempty"`
	TLS         TLSConfig         `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// CompressionConfig enables the COMPRESSION extension.
type CompressionConfig struct {
	// Mode is no, auto, yes or required.
	Mode      string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

// TLSConfig enables the TLS extension.
type TLSConfig struct {
	Mode               string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile             string   `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	RequireClientCert  bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	HandshakeTimeout   Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
}

// Util converts t to the tlsutil settings.
func (t TLSConfig) Util() tlsutil.Config {
	return tlsutil.Config{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CAFile:             t.CAFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		RequireClientCert:  t.RequireClientCert,
		MinVersion:         t.MinVersion,
		HandshakeTimeout:   t.HandshakeTimeout.Std(),
	}
}

// IsAcceptor reports whether the endpoint listens for peers.
func (e EndpointConfig) IsAcceptor() bool { return e.Role == RoleAcceptor }

// NegotiationEnabled reports whether the endpoint negotiates extensions.
func (e EndpointConfig) NegotiationEnabled() bool {
	return e.Negotiation == nil || *e.Negotiation
}

// RetryConfig returns the reconnection schedule of the endpoint.
func (e EndpointConfig) RetryConfig() (retry.Config, error) {
	policy, err := retry.ParsePolicy(e.RetryPolicy)
	if err != nil {
		return retry.Config{}, err
	}
	cfg := retry.Interval(e.RetryInterval.Std())
	if policy == retry.Exponential {
		cfg.Policy = retry.Exponential
		cfg.Multiplier = 2
		cfg.AddJitter = true
		cfg.MaxDelay = e.MaxRetryInterval.Std()
		if cfg.MaxDelay < cfg.InitialDelay {
			cfg.MaxDelay = cfg.InitialDelay
		}
	}
	return cfg, nil
}

// CategoryList parses the category filter. Nil means every category.
func (e EndpointConfig) CategoryList() ([]event.Category, error) {
	if len(e.Categories) == 0 {
		return nil, nil
	}
	out := make([]event.Category, 0, len(e.Categories))
	for _, name := range e.Categories {
		c, err := event.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Output returns the output named name.
func (c *Config) Output(name string) (EndpointConfig, bool) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return EndpointConfig{}, false
}

// Chain returns an output followed by its failover endpoints, primary first.
// It stops at the first repeated name.
func (c *Config) Chain(name string) []EndpointConfig {
	var chain []EndpointConfig
	seen := make(map[string]bool)
	for name != "" && !seen[name] {
		seen[name] = true
		o, ok := c.Output(name)
		if !ok {
			break
		}
		chain = append(chain, o)
		name = o.Failover
	}
	return chain
}

// Heads returns the outputs no other output names as its failover. Each one
// starts a failover chain.
func (c *Config) Heads() []EndpointConfig {
	secondary := make(map[string]bool)
	for _, o := range c.Outputs {
		if o.Failover != "" {
			secondary[o.Failover] = true
		}
	}
	var heads []EndpointConfig
	for _, o := range c.Outputs {
		if !secondary[o.Name] {
			heads = append(heads, o)
		}
	}
	return heads
}

// SaveToFile writes the configuration as JSON or YAML, by extension.
func (c *Config) SaveToFile(path string) error {
	data, err := encode(c, path)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Duration is a time.Duration read from "15s"-style strings, "7d" day
// counts or plain nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
