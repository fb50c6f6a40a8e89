package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/bbdobroker/config"
	"github.com/c360/bbdobroker/endpoint/tcp"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/event/storage"
	"github.com/c360/bbdobroker/health"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/multiplexing"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/processing"
	"github.com/c360/bbdobroker/stream"
)

// DefaultStopTimeout bounds Stop when the caller passes zero.
const DefaultStopTimeout = 10 * time.Second

// Options are the dependencies of a Broker. Only Config is required.
type Options struct {
	Config *config.Config
	// Registry decodes events. Nil registers the neb and storage categories.
	Registry        *event.Registry
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// unit is a running part of the broker: a failover chain or an acceptor.
type unit interface {
	Name() string
	Start(ctx context.Context) error
	Exit(timeout time.Duration) error
	Status() health.Status
}

// Broker wires configured endpoints to one multiplexing engine. Outputs
// start before inputs and stop after them, so nothing read during startup
// or shutdown lacks a subscriber.
type Broker struct {
	cfg      *config.Config
	registry *event.Registry
	engine   *multiplexing.Engine
	metrics  *metric.Metrics
	health   *health.Registry
	logger   *slog.Logger

	outputs   []unit
	inputs    []unit
	listeners map[string]*tcp.Acceptor
	sinks     map[string]stream.Sink

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates the configuration and builds every endpoint without
// starting anything.
func New(opts Options) (*Broker, error) {
	if opts.Config == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Broker", "New", "config is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsRegistry == nil {
		opts.MetricsRegistry = metric.NewMetricsRegistry()
	}
	if opts.Registry == nil {
		r, err := DefaultRegistry()
		if err != nil {
			return nil, errors.WrapFatal(err, "Broker", "New", "register event types")
		}
		opts.Registry = r
	}

	overflow, _ := buffer.ParseOverflowPolicy(cfg.Multiplexer.OverflowPolicy)
	logger := opts.Logger.With("broker", cfg.Broker.Name)
	b := &Broker{
		cfg:      cfg,
		registry: opts.Registry,
		engine: multiplexing.NewEngine(
			multiplexing.WithLogger(logger),
			multiplexing.WithMetricsRegistry(opts.MetricsRegistry),
			multiplexing.WithQueueDefaults(cfg.Multiplexer.QueueSize, overflow, cfg.Multiplexer.BlockTimeout.Std()),
		),
		metrics:   opts.MetricsRegistry.CoreMetrics(),
		health:    health.NewRegistry(nil),
		logger:    logger,
		listeners: make(map[string]*tcp.Acceptor),
		sinks:     make(map[string]stream.Sink),
	}

	if err := b.build(); err != nil {
		b.engine.Stop()
		return nil, err
	}
	return b, nil
}

// DefaultRegistry returns a registry holding every event type the broker
// knows how to decode.
func DefaultRegistry() (*event.Registry, error) {
	r := event.NewRegistry()
	if err := neb.Register(r); err != nil {
		return nil, err
	}
	if err := storage.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Broker) build() error {
	for _, head := range b.cfg.Heads() {
		u, err := b.buildOutput(head)
		if err != nil {
			return errors.Wrap(err, "Broker", "build", "output "+head.Name)
		}
		b.outputs = append(b.outputs, u)
	}
	for _, in := range b.cfg.Inputs {
		u, err := b.buildInput(in)
		if err != nil {
			return errors.Wrap(err, "Broker", "build", "input "+in.Name)
		}
		b.inputs = append(b.inputs, u)
	}
	for _, u := range b.units() {
		b.health.Watch(u.Name(), u)
	}
	b.health.OnChange(b.logHealthChange)
	return nil
}

func (b *Broker) logHealthChange(name string, prev, cur health.Status) {
	attrs := []any{"unit", name, "from", prev.Status, "to", cur.Status, "message", cur.Message}
	if cur.IsHealthy() {
		b.logger.Info("Unit recovered", append(attrs, "down_for", cur.Since.Sub(prev.Since).String())...)
		return
	}
	b.logger.Warn("Unit health changed", attrs...)
}

func (b *Broker) buildOutput(head config.EndpointConfig) (unit, error) {
	categories, err := head.CategoryList()
	if err != nil {
		return nil, err
	}

	if head.IsAcceptor() {
		return b.buildAcceptor(head, categories, true)
	}

	chain := b.cfg.Chain(head.Name)
	endpoints := make([]stream.Connector, 0, len(chain))
	for _, e := range chain {
		c, err := b.connector(e, false)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, c)
	}

	retryCfg, err := head.RetryConfig()
	if err != nil {
		return nil, err
	}
	sub, err := b.engine.Subscribe(multiplexing.SubscriberOptions{
		Name:         head.Name,
		Categories:   categories,
		QueueSize:    head.QueueSize,
		Overflow:     head.Overflow,
		BlockTimeout: b.cfg.Multiplexer.BlockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	f, err := processing.NewFailover(processing.FailoverOptions{
		Name:             head.Name,
		Endpoints:        endpoints,
		Subscriber:       sub,
		Engine:           b.engine,
		Retry:            retryCfg,
		BufferingTimeout: head.BufferingTimeout.Std(),
		RetentionSize:    head.RetentionSize,
		ReadTimeout:      head.ReadTimeout.Std(),
		Logger:           b.logger,
		Metrics:          b.metrics,
	})
	if err != nil {
		sub.Close()
		return nil, err
	}
	return f, nil
}

func (b *Broker) buildInput(in config.EndpointConfig) (unit, error) {
	if in.IsAcceptor() {
		return b.buildAcceptor(in, nil, false)
	}

	c, err := b.connector(in, true)
	if err != nil {
		return nil, err
	}
	retryCfg, err := in.RetryConfig()
	if err != nil {
		return nil, err
	}
	return processing.NewFailover(processing.FailoverOptions{
		Name:        in.Name,
		Endpoints:   []stream.Connector{c},
		Engine:      b.engine,
		SourceID:    b.cfg.Broker.SourceID,
		Retry:       retryCfg,
		ReadTimeout: in.ReadTimeout.Std(),
		Logger:      b.logger,
		Metrics:     b.metrics,
	})
}

func (b *Broker) buildAcceptor(e config.EndpointConfig, categories []event.Category, output bool) (unit, error) {
	acc, err := b.acceptor(e)
	if err != nil {
		return nil, err
	}
	b.listeners[e.Name] = acc
	return processing.NewAcceptor(processing.AcceptorOptions{
		Name:     e.Name,
		Acceptor: acc,
		Feeder: processing.FeederOptions{
			Engine:       b.engine,
			SourceID:     b.cfg.Broker.SourceID,
			Output:       output,
			Categories:   categories,
			QueueSize:    e.QueueSize,
			Overflow:     e.Overflow,
			BlockTimeout: b.cfg.Multiplexer.BlockTimeout.Std(),
			ReadTimeout:  e.ReadTimeout.Std(),
			Metrics:      b.metrics,
		},
		Logger: b.logger,
	})
}

func (b *Broker) units() []unit {
	out := make([]unit, 0, len(b.outputs)+len(b.inputs))
	out = append(out, b.outputs...)
	return append(out, b.inputs...)
}

// Start binds every listener, then starts outputs and inputs in that order.
// A listener that cannot bind fails Start and nothing is left running.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "Broker", "Start", "check running state")
	}
	if b.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Broker", "Start", "check running state")
	}

	var g errgroup.Group
	for name, acc := range b.listeners {
		g.Go(func() error {
			if err := acc.Listen(); err != nil {
				return fmt.Errorf("listen %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, acc := range b.listeners {
			_ = acc.Close()
		}
		return errors.Wrap(err, "Broker", "Start", "bind listeners")
	}

	for _, u := range b.units() {
		if err := u.Start(ctx); err != nil {
			_ = b.stopLocked(DefaultStopTimeout)
			return errors.Wrap(err, "Broker", "Start", "start "+u.Name())
		}
	}
	b.started = true
	b.logger.Info("Broker started",
		"outputs", len(b.outputs),
		"inputs", len(b.inputs),
		"listeners", len(b.listeners))
	return nil
}

// Stop exits inputs, then outputs, each tier in parallel, and finally stops
// the engine. It is idempotent.
func (b *Broker) Stop(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	return b.stopLocked(timeout)
}

func (b *Broker) stopLocked(timeout time.Duration) error {
	if b.stopped {
		return nil
	}
	b.stopped = true
	start := time.Now()

	var errs []error
	for _, tier := range [][]unit{b.inputs, b.outputs} {
		var g errgroup.Group
		for _, u := range tier {
			g.Go(func() error {
				if err := u.Exit(timeout); err != nil {
					b.logger.Error("Stop failed", "unit", u.Name(), "error", err)
					return fmt.Errorf("stop %s: %w", u.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	b.engine.Stop()
	for name, s := range b.sinks {
		if err := s.Close(); err != nil {
			b.logger.Warn("Sink close failed", "endpoint", name, "error", err)
		}
	}

	b.logger.Info("Broker stopped", "duration_ms", time.Since(start).Milliseconds())
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "Broker", "Stop", "stop units")
	}
	return nil
}

// Engine returns the multiplexing engine.
func (b *Broker) Engine() *multiplexing.Engine { return b.engine }

// Health returns the registry watching every chain and acceptor.
func (b *Broker) Health() *health.Registry { return b.health }

// Status refreshes and returns the aggregate health.
func (b *Broker) Status() health.Status { return b.health.Refresh(b.cfg.Broker.Name) }

// Name returns the broker name.
func (b *Broker) Name() string { return b.cfg.Broker.Name }

// ListenAddr returns the bound address of an acceptor endpoint, or nil.
func (b *Broker) ListenAddr(name string) net.Addr {
	acc, ok := b.listeners[name]
	if !ok {
		return nil
	}
	return acc.Addr()
}

// Sink returns the sink behind a sink endpoint.
func (b *Broker) Sink(name string) (stream.Sink, bool) {
	s, ok := b.sinks[name]
	return s, ok
}
