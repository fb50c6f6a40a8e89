package config

import "time"

// Defaults filled by ApplyDefaults.
const (
	DefaultBrokerName         = "bbdobroker"
	DefaultQueueSize          = 10000
	DefaultOverflowPolicy     = "block"
	DefaultBlockTimeout       = 5 * time.Second
	DefaultAckLimit           = 1000
	DefaultRetryInterval      = 15 * time.Second
	DefaultRetentionSize      = 100000
	DefaultReadTimeout        = 200 * time.Millisecond
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultStopTimeout        = 5 * time.Second
	DefaultSinkKind           = "log"
)

// Default returns the configuration every loaded layer is merged over.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{Name: DefaultBrokerName},
		Multiplexer: MultiplexerConfig{
			QueueSize:      DefaultQueueSize,
			OverflowPolicy: DefaultOverflowPolicy,
			BlockTimeout:   Duration(DefaultBlockTimeout),
		},
	}
}

// ApplyDefaults fills zero values. A zero buffering timeout stays zero: the
// chain then moves to its secondary on the first failed attempt.
func (c *Config) ApplyDefaults() {
	if c.Broker.Name == "" {
		c.Broker.Name = DefaultBrokerName
	}
	if c.Multiplexer.QueueSize == 0 {
		c.Multiplexer.QueueSize = DefaultQueueSize
	}
	if c.Multiplexer.OverflowPolicy == "" {
		c.Multiplexer.OverflowPolicy = DefaultOverflowPolicy
	}
	if c.Multiplexer.BlockTimeout == 0 {
		c.Multiplexer.BlockTimeout = Duration(DefaultBlockTimeout)
	}
	for i := range c.Inputs {
		c.Inputs[i].applyDefaults(c.Multiplexer)
	}
	for i := range c.Outputs {
		c.Outputs[i].applyDefaults(c.Multiplexer)
	}
}

func (e *EndpointConfig) applyDefaults(mux MultiplexerConfig) {
	if e.Role == "" {
		e.Role = RoleConnector
	}
	if e.Type == TypeSink && e.Sink == "" {
		e.Sink = DefaultSinkKind
	}
	if e.AckLimit == 0 {
		e.AckLimit = DefaultAckLimit
	}
	if e.RetryInterval == 0 {
		e.RetryInterval = Duration(DefaultRetryInterval)
	}
	if e.MaxRetryInterval == 0 {
		e.MaxRetryInterval = e.RetryInterval
	}
	if e.RetentionSize == 0 {
		e.RetentionSize = DefaultRetentionSize
	}
	if e.ReadTimeout == 0 {
		e.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if e.NegotiationTimeout == 0 {
		e.NegotiationTimeout = Duration(DefaultNegotiationTimeout)
	}
	if e.StopTimeout == 0 {
		e.StopTimeout = Duration(DefaultStopTimeout)
	}
	if e.QueueSize == 0 {
		e.QueueSize = mux.QueueSize
	}
	if e.Overflow == "" {
		e.Overflow = mux.OverflowPolicy
	}
}
