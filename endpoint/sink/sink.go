// Package sink provides terminal outputs: events are consumed and never
// produced. Database and graph writers plug in through the stream.Sink
// interface; this package ships the in-memory, logging and discarding sinks
// used by tests and by the command line.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/stream"
)

// Kinds accepted by New.
const (
	KindMemory  = "memory"
	KindLog     = "log"
	KindDiscard = "discard"
)

// New builds a sink by kind. An empty kind selects the log sink.
func New(kind string, logger *slog.Logger) (stream.Sink, error) {
	switch kind {
	case KindLog, "":
		return NewLog(logger, slog.LevelInfo), nil
	case KindMemory:
		return NewMemory(), nil
	case KindDiscard:
		return Discard{}, nil
	default:
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "sink", "New", "unknown sink kind "+kind)
	}
}

// Memory keeps every event it receives. It is safe for concurrent use and
// survives Close, so one Memory can back every stream of a connector.
type Memory struct {
	mu      sync.Mutex
	events  []*event.Event
	closes  int
	changed chan struct{}
}

var _ stream.Sink = (*Memory)(nil)

// NewMemory returns an empty memory sink.
func NewMemory() *Memory {
	return &Memory{changed: make(chan struct{})}
}

// Write stores ev and acknowledges it.
func (m *Memory) Write(_ context.Context, ev *event.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	close(m.changed)
	m.changed = make(chan struct{})
	return 1, nil
}

// Close counts the close. Stored events stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Closes returns how many times Close was called.
func (m *Memory) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Events returns a copy of the stored events in arrival order.
func (m *Memory) Events() []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*event.Event(nil), m.events...)
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// WaitFor blocks until at least n events were stored or ctx ends.
func (m *Memory) WaitFor(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		have, changed := len(m.events), m.changed
		m.mu.Unlock()
		if have >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Log writes one structured log record per event.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

var _ stream.Sink = (*Log)(nil)

// NewLog returns a sink logging at level.
func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, level: level}
}

func (l *Log) Write(ctx context.Context, ev *event.Event) (int, error) {
	l.logger.Log(ctx, l.level, "Event",
		"type", ev.Type.String(),
		"category", ev.Category().String(),
		"source", ev.Source,
		"destination", ev.Destination)
	return 1, nil
}

func (l *Log) Close() error { return nil }

// Discard acknowledges and drops everything.
type Discard struct{}

func (Discard) Write(context.Context, *event.Event) (int, error) { return 1, nil }

func (Discard) Close() error { return nil }

// Factory returns the sink behind a newly opened stream.
type Factory func() (stream.Sink, error)

// Connector opens streams over sinks, one fresh sink per Open.
type Connector struct {
	name    string
	factory Factory
	metrics *metric.Metrics
}

var _ stream.Connector = (*Connector)(nil)

// NewConnector returns a connector named name.
func NewConnector(name string, factory Factory, metrics *metric.Metrics) *Connector {
	return &Connector{name: name, factory: factory, metrics: metrics}
}

// Shared returns a factory that always hands out s.
func Shared(s stream.Sink) Factory {
	return func() (stream.Sink, error) { return s, nil }
}

// Name returns the endpoint name.
func (c *Connector) Name() string { return c.name }

// Open builds a sink and wraps it in a stream. The stream outlives ctx.
func (c *Connector) Open(ctx context.Context) (stream.Stream, error) {
	s, err := c.factory()
	if err != nil {
		c.metrics.RecordEndpointStatus(c.name, false)
		return nil, errors.WrapTransient(err, "sink.Connector", "Open", "create sink "+c.name)
	}
	c.metrics.RecordEndpointStatus(c.name, true)
	counted := &countingSink{Sink: s, name: c.name, metrics: c.metrics}
	return stream.NewSinkStream(context.WithoutCancel(ctx), counted), nil
}

type countingSink struct {
	stream.Sink
	name    string
	metrics *metric.Metrics
}

func (c *countingSink) Write(ctx context.Context, ev *event.Event) (int, error) {
	acked, err := c.Sink.Write(ctx, ev)
	if err == nil {
		c.metrics.RecordWritten(c.name)
	}
	return acked, err
}
