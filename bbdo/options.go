package bbdo

import (
	"log/slog"
	"time"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/stream"
)

// Defaults applied to zero Options fields.
const (
	DefaultAckLimit           = 1000
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultStopTimeout        = 5 * time.Second
)

// ackPollInterval spaces out acknowledgement polls from Write once the
// unacknowledged count reached the ack limit.
const ackPollInterval = 10 * time.Millisecond

// ackPollWait is how long one poll waits for frames.
const ackPollWait = time.Millisecond

// readBufferSize is the lower-layer read size.
const readBufferSize = 64 << 10

// Options configures a protocol stream.
type Options struct {
	// Name identifies the endpoint in logs and metrics.
	Name string
	Role stream.Role

	Registry *event.Registry

	Negotiation        bool
	NegotiationTimeout time.Duration
	Extensions         []Extension

	AckLimit        int
	StopTimeout     time.Duration
	MaxResyncWindow int
	MaxEventSize    int

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "bbdo"
	}
	if o.Registry == nil {
		o.Registry = event.NewRegistry()
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.AckLimit <= 0 {
		o.AckLimit = DefaultAckLimit
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.MaxResyncWindow <= 0 {
		o.MaxResyncWindow = DefaultMaxResyncWindow
	}
	if o.MaxEventSize <= 0 {
		o.MaxEventSize = DefaultMaxEventSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
