package multiplexing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/pkg/buffer"
)

// Defaults for subscriber queues.
const (
	DefaultQueueSize    = 10000
	DefaultBlockTimeout = 5 * time.Second
)

// ErrSubscriberExists is returned when Subscribe is called with a taken name.
var ErrSubscriberExists = errors.New("subscriber name already in use")

// Engine fans published events out to subscriber queues. Publishes are
// serialized, so every subscriber observes one global order.
type Engine struct {
	publishMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	stopped     bool

	published atomic.Uint64

	queueSize    int
	overflow     buffer.OverflowPolicy
	blockTimeout time.Duration

	logger      *slog.Logger
	metrics     *metric.Metrics
	registry    *metric.MetricsRegistry
	dropLimiter *rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsRegistry exports core metrics and per-subscriber queue metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
		e.metrics = registry.CoreMetrics()
	}
}

// WithQueueDefaults sets the queue settings used when SubscriberOptions leave
// them empty.
func WithQueueDefaults(size int, policy buffer.OverflowPolicy, blockTimeout time.Duration) Option {
	return func(e *Engine) {
		if size > 0 {
			e.queueSize = size
		}
		e.overflow = policy
		if blockTimeout > 0 {
			e.blockTimeout = blockTimeout
		}
	}
}

// WithDropWarningRate limits how often queue drops are logged.
func WithDropWarningRate(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.dropLimiter = rate.NewLimiter(limit, burst)
	}
}

// NewEngine returns an engine with no subscribers.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		subscribers:  make(map[string]*Subscriber),
		queueSize:    DefaultQueueSize,
		overflow:     buffer.Block,
		blockTimeout: DefaultBlockTimeout,
		logger:       slog.Default(),
		dropLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "multiplexer")
	return e
}

// SubscriberOptions describes a new subscriber.
type SubscriberOptions struct {
	// Name must be unique among attached subscribers. Empty picks one.
	Name string
	// Categories restricts delivery. Empty accepts every category.
	Categories []event.Category
	QueueSize  int
	// Overflow is block, drop_oldest or drop_newest. Empty uses the engine
	// default.
	Overflow     string
	BlockTimeout time.Duration
}

// Subscribe attaches a new empty queue.
func (e *Engine) Subscribe(opts SubscriberOptions) (*Subscriber, error) {
	policy := e.overflow
	if opts.Overflow != "" {
		p, ok := buffer.ParseOverflowPolicy(opts.Overflow)
		if !ok {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: unknown overflow policy %q", errors.ErrInvalidConfig, opts.Overflow),
				"Engine", "Subscribe", "parse overflow policy")
		}
		policy = p
	}
	if opts.QueueSize < 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: negative queue size %d", errors.ErrInvalidConfig, opts.QueueSize),
			"Engine", "Subscribe", "validate options")
	}
	size := opts.QueueSize
	if size == 0 {
		size = e.queueSize
	}
	blockTimeout := opts.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = e.blockTimeout
	}

	id := uuid.NewString()
	name := opts.Name
	if name == "" {
		name = "subscriber-" + id[:8]
	}

	sub := &Subscriber{
		id:     id,
		name:   name,
		engine: e,
	}
	if len(opts.Categories) > 0 {
		sub.categories = make(map[event.Category]struct{}, len(opts.Categories))
		for _, c := range opts.Categories {
			sub.categories[c] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, errors.ErrShuttingDown
	}
	if _, exists := e.subscribers[name]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", ErrSubscriberExists, name),
			"Engine", "Subscribe", "register subscriber")
	}

	queue, err := buffer.NewCircularBuffer(size,
		buffer.WithOverflowPolicy[*event.Event](policy),
		buffer.WithBlockTimeout[*event.Event](blockTimeout),
		buffer.WithDropCallback[*event.Event](sub.dropped),
		buffer.WithMetrics[*event.Event](e.registry, metricsPrefix(name)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "Subscribe", "create queue")
	}
	sub.queue = queue
	e.subscribers[name] = sub

	e.logger.Debug("Subscriber attached", "subscriber", name, "queue_size", size,
		"overflow", policy.String(), "categories", len(opts.Categories))
	return sub, nil
}

// Unsubscribe detaches sub, discards its unread events and wakes publishers
// blocked on its queue. It is a no-op for detached subscribers.
func (e *Engine) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	current, ok := e.subscribers[sub.name]
	if ok && current == sub {
		delete(e.subscribers, sub.name)
	}
	e.mu.Unlock()
	if !ok || current != sub {
		return
	}

	_ = sub.queue.Close()
	discarded := sub.queue.Clear()
	buffer.UnregisterMetrics(e.registry, metricsPrefix(sub.name))
	e.logger.Debug("Subscriber detached", "subscriber", sub.name, "discarded", discarded)
}

// Publish delivers ev to every subscriber accepting its category.
func (e *Engine) Publish(ev *event.Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "Publish", "nil event")
	}
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	return e.publishLocked(ev, nil)
}

// PublishBatch publishes evs contiguously: no other publish interleaves.
func (e *Engine) PublishBatch(evs []*event.Event) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := e.publishLocked(ev, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publishLocked(ev *event.Event, origin *Subscriber) error {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return errors.ErrShuttingDown
	}
	targets := make([]*Subscriber, 0, len(e.subscribers))
	for _, sub := range e.subscribers {
		if sub != origin && sub.Accepts(ev.Category()) {
			targets = append(targets, sub)
		}
	}
	e.mu.RUnlock()

	// Queue writes happen outside the registry lock so Unsubscribe can close
	// a queue a publisher is blocked on.
	for _, sub := range targets {
		if err := sub.queue.Write(ev); err != nil && !errors.Is(err, errors.ErrAlreadyStopped) {
			return errors.Wrap(err, "Engine", "Publish", "enqueue for "+sub.name)
		}
	}
	e.published.Add(1)
	e.metrics.RecordPublished(ev.Category().String())
	return nil
}

// Stop closes every queue. Subscribers drain what is left; later publishes
// and subscribes fail with errors.ErrShuttingDown.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for _, sub := range e.subscribers {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		_ = sub.queue.Close()
	}
	e.logger.Info("Multiplexer stopped", "subscribers", len(subs), "published", e.published.Load())
}

// Size returns the number of attached subscribers.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// SubscriberStats is a snapshot of one subscriber queue.
type SubscriberStats struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Writes   int64  `json:"writes"`
	Reads    int64  `json:"reads"`
	Drops    int64  `json:"drops"`
}

// Stats is a snapshot of the engine.
type Stats struct {
	Published   uint64            `json:"published"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns per-subscriber counters sorted by name.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for _, sub := range e.subscribers {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	out := Stats{Published: e.published.Load()}
	for _, sub := range subs {
		st := sub.queue.Stats()
		out.Subscribers = append(out.Subscribers, SubscriberStats{
			Name:     sub.name,
			ID:       sub.id,
			Size:     sub.queue.Size(),
			Capacity: sub.queue.Capacity(),
			Writes:   st.Writes(),
			Reads:    st.Reads(),
			Drops:    st.Drops(),
		})
	}
	sort.Slice(out.Subscribers, func(i, j int) bool {
		return out.Subscribers[i].Name < out.Subscribers[j].Name
	})
	return out
}

func (e *Engine) warnDrop(sub *Subscriber, ev *event.Event) {
	e.metrics.RecordDropped(sub.name)
	if e.dropLimiter.Allow() {
		e.logger.Warn("Subscriber queue overflow, event dropped",
			"subscriber", sub.name,
			"type", ev.Type.String(),
			"dropped_total", sub.drops.Load())
	}
}

func metricsPrefix(name string) string {
	return "subscriber_" + name
}

// Subscriber is one queue attached to an Engine.
type Subscriber struct {
	id         string
	name       string
	categories map[event.Category]struct{}
	queue      buffer.Buffer[*event.Event]
	engine     *Engine
	drops      atomic.Uint64
}

// ID returns the unique identifier assigned at subscribe time.
func (s *Subscriber) ID() string { return s.id }

// Name returns the subscriber name.
func (s *Subscriber) Name() string { return s.name }

// Accepts reports whether events of category c are delivered.
func (s *Subscriber) Accepts(c event.Category) bool {
	if s.categories == nil {
		return true
	}
	_, ok := s.categories[c]
	return ok
}

// Size returns the number of queued events.
func (s *Subscriber) Size() int { return s.queue.Size() }

// Drops returns how many events the overflow policy discarded.
func (s *Subscriber) Drops() uint64 { return s.drops.Load() }

// Get returns the next event. It reports errors.ErrTimeout when deadline
// passes first and errors.ErrSubscriberClosed once the subscriber was detached
// or the engine stopped and the queue is empty. A zero deadline waits until
// ctx ends.
func (s *Subscriber) Get(ctx context.Context, deadline time.Time) (*event.Event, error) {
	if ev, ok := s.queue.Read(); ok {
		return ev, nil
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return nil, errors.ErrTimeout
	}

	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	ev, err := s.queue.ReadWithContext(waitCtx)
	if err == nil {
		return ev, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, errors.ErrTimeout
	}
	return nil, err
}

// Publish publishes ev to every other subscriber. Streams that both read and
// write use it so a peer does not get its own events back.
func (s *Subscriber) Publish(ev *event.Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Subscriber", "Publish", "nil event")
	}
	s.engine.publishMu.Lock()
	defer s.engine.publishMu.Unlock()
	return s.engine.publishLocked(ev, s)
}

// Close detaches the subscriber from its engine.
func (s *Subscriber) Close() {
	s.engine.Unsubscribe(s)
}

func (s *Subscriber) dropped(ev *event.Event) {
	s.drops.Add(1)
	s.engine.warnDrop(s, ev)
}
