package processing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/health"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/multiplexing"
	"github.com/c360/bbdobroker/pkg/retry"
	"github.com/c360/bbdobroker/stream"
)

// Defaults for zero option values.
const (
	DefaultRetryInterval = 15 * time.Second
	DefaultReadTimeout   = 200 * time.Millisecond
)

// FailoverOptions configures a failover chain.
type FailoverOptions struct {
	Name string

	// Endpoints is the chain: the primary first, then each secondary in
	// order.
	Endpoints []stream.Connector

	// Subscriber feeds an output chain. Without one the chain is an input:
	// events read from the live stream are published to Engine.
	Subscriber *multiplexing.Subscriber
	Engine     *multiplexing.Engine
	// SourceID is stamped on input events that arrive without a source.
	SourceID uint32

	// Retry paces reconnection attempts and primary probes.
	Retry retry.Config
	// BufferingTimeout is how long an endpoint may stay down before the
	// chain moves on to the next one.
	BufferingTimeout time.Duration
	RetentionSize    int
	ReadTimeout      time.Duration

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Failover drives one chain of endpoints from a single goroutine. Written
// events stay in a bounded retention queue until acknowledged and are
// replayed on every new stream, so delivery is at least once across
// reconnects and failovers.
type Failover struct {
	name             string
	endpoints        []stream.Connector
	sub              *multiplexing.Subscriber
	engine           *multiplexing.Engine
	sourceID         uint32
	retryCfg         retry.Config
	backoff          *retry.Backoff
	bufferingTimeout time.Duration
	readTimeout      time.Duration
	retention        *retention
	logger           *slog.Logger
	metrics          *metric.Metrics

	state stateBox

	// Owned by the worker goroutine.
	live      stream.Stream
	liveIdx   int
	target    int
	downSince time.Time
	probe     *probe

	// abort is the live stream as seen from Exit.
	abortMu sync.Mutex
	abort   stream.Stream

	lifecycleMu sync.Mutex
	started     bool
	exited      bool
	cancel      context.CancelFunc
	done        chan struct{}

	statsMu      sync.Mutex
	startTime    time.Time
	lastActivity time.Time
	lastErr      error
	processed    atomic.Int64
	failures     atomic.Int64
}

// NewFailover validates opts and returns a stopped chain.
func NewFailover(opts FailoverOptions) (*Failover, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Failover", "NewFailover", "endpoints are required")
	}
	for i, ep := range opts.Endpoints {
		if ep == nil {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Failover", "NewFailover",
				fmt.Sprintf("endpoint %d is nil", i))
		}
	}
	if opts.Subscriber == nil && opts.Engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Failover", "NewFailover",
			"an input chain needs an engine")
	}
	if opts.BufferingTimeout < 0 || opts.RetentionSize < 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Failover", "NewFailover",
			"buffering timeout and retention size cannot be negative")
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.Interval(DefaultRetryInterval)
	}
	backoff, err := retry.NewBackoff(opts.Retry)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Failover", "NewFailover", "retry config")
	}
	if opts.RetentionSize == 0 {
		opts.RetentionSize = DefaultRetentionSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "failover", "name", opts.Name)

	ret, err := newRetention(opts.Name, opts.RetentionSize, logger, opts.Metrics)
	if err != nil {
		return nil, errors.WrapFatal(err, "Failover", "NewFailover", "create retention queue")
	}

	return &Failover{
		name:             opts.Name,
		endpoints:        opts.Endpoints,
		sub:              opts.Subscriber,
		engine:           opts.Engine,
		sourceID:         opts.SourceID,
		retryCfg:         opts.Retry,
		backoff:          backoff,
		bufferingTimeout: opts.BufferingTimeout,
		readTimeout:      opts.ReadTimeout,
		retention:        ret,
		logger:           logger,
		metrics:          opts.Metrics,
		done:             make(chan struct{}),
	}, nil
}

// Name returns the chain name.
func (f *Failover) Name() string { return f.name }

// State returns the current state.
func (f *Failover) State() State { return f.state.load() }

// Pending returns how many written events await acknowledgement.
func (f *Failover) Pending() int { return f.retention.size() }

// Done is closed once the worker goroutine has returned.
func (f *Failover) Done() <-chan struct{} { return f.done }

// Start launches the worker goroutine.
func (f *Failover) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.exited {
		return errors.WrapFatal(errors.ErrShuttingDown, "Failover", "Start", "check running state")
	}
	if f.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Failover", "Start", "check running state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.started = true
	f.cancel = cancel

	f.statsMu.Lock()
	f.startTime = time.Now()
	f.statsMu.Unlock()

	go f.run(runCtx)
	return nil
}

// Exit stops the worker and waits for it. A write still in flight when
// timeout expires is abandoned by closing the live stream. Exit is
// idempotent and safe from any goroutine.
func (f *Failover) Exit(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.exited {
		return nil
	}
	f.exited = true
	if !f.started {
		f.state.store(StateExiting)
		close(f.done)
		return nil
	}
	f.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return nil
	case <-timer.C:
	}

	f.logger.Warn("Worker did not stop in time, closing live stream", "timeout", timeout)
	f.abortLive()

	timer.Reset(timeout)
	select {
	case <-f.done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("exit timeout after %v", timeout),
			"Failover", "Exit", "join worker")
	}
}

// Status returns a health snapshot: healthy while streaming to the primary,
// degraded while failed over, unhealthy otherwise.
func (f *Failover) Status() health.Status {
	f.statsMu.Lock()
	lastErr := f.lastErr
	start := f.startTime
	last := f.lastActivity
	f.statsMu.Unlock()

	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}
	st := health.FromState(f.name, f.State().String(), healthyStates, degradedStates, lastErr)
	return st.WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        int(f.failures.Load()),
		MessagesProcessed: f.processed.Load(),
		LastActivity:      last,
	})
}

func (f *Failover) run(ctx context.Context) {
	defer close(f.done)
	defer f.shutdown()

	f.logger.Info("Failover chain started", "endpoints", len(f.endpoints), "input", f.sub == nil)

	for {
		if f.live == nil {
			if err := f.connect(ctx); err != nil {
				return
			}
		}
		err := f.pump(ctx)
		if ctx.Err() != nil ||
			errors.Is(err, errors.ErrSubscriberClosed) ||
			errors.Is(err, errors.ErrShuttingDown) {
			return
		}
		f.fail(err)
	}
}

// connect opens the current target, retrying per the backoff and moving down
// the chain once the target has been down for the buffering timeout. While
// failed over, every round tries the primary first.
func (f *Failover) connect(ctx context.Context) error {
	tryPrimary := f.target > 0
	for {
		if tryPrimary {
			if s, err := f.open(ctx, 0); err == nil {
				f.goLive(ctx, s, 0)
				return nil
			}
		}
		s, err := f.open(ctx, f.target)
		if err == nil {
			f.goLive(ctx, s, f.target)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.setState(StateRetrying)
		if f.downSince.IsZero() {
			f.downSince = time.Now()
		}

		delay := f.backoff.Next()
		if f.target+1 < len(f.endpoints) {
			remaining := f.bufferingTimeout - time.Since(f.downSince)
			if remaining <= 0 {
				f.logger.Warn("Buffering timeout reached, trying next endpoint",
					"from", f.endpoints[f.target].Name(),
					"to", f.endpoints[f.target+1].Name())
				f.target++
				f.downSince = time.Now()
				tryPrimary = false
				continue
			}
			delay = min(delay, remaining)
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
		tryPrimary = f.target > 0
	}
}

func (f *Failover) open(ctx context.Context, idx int) (stream.Stream, error) {
	ep := f.endpoints[idx]
	if f.State() != StateStarting {
		f.metrics.RecordReconnect(ep.Name())
	}
	s, err := ep.Open(ctx)
	if err != nil {
		f.recordError(err)
		f.metrics.RecordEndpointStatus(ep.Name(), false)
		f.logger.Warn("Cannot open endpoint", "endpoint", ep.Name(),
			"attempt", f.backoff.Attempts()+1, "error", err)
		return nil, err
	}
	return s, nil
}

func (f *Failover) goLive(ctx context.Context, s stream.Stream, idx int) {
	f.backoff.Reset()
	f.setLive(s, idx)
	f.target = idx
	f.downSince = time.Time{}

	ep := f.endpoints[idx]
	f.metrics.RecordEndpointStatus(ep.Name(), true)
	if idx == 0 {
		f.stopProbe()
		f.setState(StateStreaming)
		return
	}
	f.metrics.RecordFailover(f.name, ep.Name())
	f.setState(StateFailedOver)
	f.startProbe(ctx)
}

// fail drops the live stream after err. Its final acknowledgements still
// release retained events; the rest wait for the next stream.
func (f *Failover) fail(err error) {
	ep := f.endpoints[f.liveIdx]
	f.failures.Add(1)
	f.recordError(err)
	f.logger.Warn("Stream failed", "endpoint", ep.Name(), "error", err, "pending", f.retention.size())

	f.stopProbe()
	acked, _ := f.live.Stop()
	f.retention.ack(acked)
	f.metrics.RecordEndpointStatus(ep.Name(), false)

	f.target = f.liveIdx
	f.downSince = time.Now()
	f.setLive(nil, 0)
	f.setState(StateRetrying)
}

// pump moves events over the live stream until it fails or the worker
// stops.
func (f *Failover) pump(ctx context.Context) error {
	if err := f.replay(); err != nil {
		return err
	}
	for {
		if s := f.probed(); s != nil {
			f.switchBack(ctx, s)
			if err := f.replay(); err != nil {
				return err
			}
		}

		deadline := time.Now().Add(f.readTimeout)
		if f.sub == nil {
			if err := f.forward(ctx, deadline); err != nil {
				return err
			}
			continue
		}

		ev, err := f.sub.Get(ctx, deadline)
		if errors.Is(err, errors.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if err := f.write(ev); err != nil {
			return err
		}
	}
}

// forward reads one event from an input stream into the engine.
func (f *Failover) forward(ctx context.Context, deadline time.Time) error {
	ev, err := f.live.Read(ctx, deadline)
	if errors.Is(err, errors.ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := f.engine.Publish(ev.WithDefaultSource(f.sourceID)); err != nil {
		return err
	}
	f.touch()
	return nil
}

// write sends ev and retains it until acknowledged. An event the stream
// rejects as invalid is dropped: replaying it would fail forever.
func (f *Failover) write(ev *event.Event) error {
	acked, err := f.live.Write(ev)
	if err != nil && !errors.Is(err, errors.ErrStreamBroken) && errors.IsInvalid(err) {
		f.logger.Warn("Dropping event the endpoint rejected",
			"endpoint", f.endpoints[f.liveIdx].Name(), "type", ev.Type.String(), "error", err)
		f.retention.ack(acked)
		return nil
	}
	f.retention.push(ev)
	f.retention.ack(acked)
	if err != nil {
		return err
	}
	f.touch()
	return nil
}

// replay rewrites every retained event to the live stream in order. On
// failure the unsent remainder goes back into retention behind the event
// that failed.
func (f *Failover) replay() error {
	pending := f.retention.drain()
	if len(pending) == 0 {
		return nil
	}
	f.logger.Info("Replaying unacknowledged events",
		"endpoint", f.endpoints[f.liveIdx].Name(), "count", len(pending))
	for i, ev := range pending {
		if err := f.write(ev); err != nil {
			for _, rest := range pending[i+1:] {
				f.retention.push(rest)
			}
			return err
		}
	}
	return nil
}

// switchBack makes the probed primary stream live at an event boundary.
func (f *Failover) switchBack(ctx context.Context, s stream.Stream) {
	from := f.endpoints[f.liveIdx].Name()
	acked, err := f.live.Stop()
	f.retention.ack(acked)
	if err != nil {
		f.logger.Debug("Secondary stop reported an error", "endpoint", from, "error", err)
	}
	f.logger.Warn("Primary is back, switching over", "from", from, "to", f.endpoints[0].Name())
	f.metrics.RecordFailover(f.name, f.endpoints[0].Name())
	f.goLive(ctx, s, 0)
}

func (f *Failover) shutdown() {
	f.setState(StateExiting)
	f.stopProbe()
	if f.live != nil {
		acked, err := f.live.Stop()
		f.retention.ack(acked)
		if err != nil && !errors.IsExpectedClose(err) {
			f.logger.Warn("Stream stop failed", "endpoint", f.endpoints[f.liveIdx].Name(), "error", err)
		}
		f.setLive(nil, 0)
	}
	if n := f.retention.size(); n > 0 {
		f.logger.Warn("Exiting with unacknowledged events", "count", n)
	}
}

func (f *Failover) setLive(s stream.Stream, idx int) {
	f.live = s
	f.liveIdx = idx
	f.abortMu.Lock()
	f.abort = s
	f.abortMu.Unlock()
}

func (f *Failover) abortLive() {
	f.abortMu.Lock()
	s := f.abort
	f.abortMu.Unlock()
	closeStream(s)
}

// closeStream force-closes s when it supports closing from another
// goroutine.
func closeStream(s stream.Stream) {
	switch c := s.(type) {
	case io.Closer:
		_ = c.Close()
	case interface{ Close() }:
		c.Close()
	}
}

func (f *Failover) setState(s State) {
	prev := f.state.store(s)
	if prev == s {
		return
	}
	switch s {
	case StateRetrying, StateFailedOver:
		f.logger.Warn("Failover state changed", "from", prev.String(), "to", s.String())
	default:
		f.logger.Info("Failover state changed", "from", prev.String(), "to", s.String())
	}
}

func (f *Failover) recordError(err error) {
	f.statsMu.Lock()
	f.lastErr = err
	f.statsMu.Unlock()
}

func (f *Failover) touch() {
	f.processed.Add(1)
	f.statsMu.Lock()
	f.lastActivity = time.Now()
	f.statsMu.Unlock()
}

// probe reopens the primary in the background while failed over and hands
// the stream to the worker, which switches at its next event boundary.
type probe struct {
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan stream.Stream
}

func (f *Failover) startProbe(ctx context.Context) {
	if f.probe != nil {
		return
	}
	backoff, err := retry.NewBackoff(f.retryCfg)
	if err != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &probe{cancel: cancel, done: make(chan struct{}), ready: make(chan stream.Stream, 1)}
	f.probe = p

	primary := f.endpoints[0]
	go func() {
		defer close(p.done)
		for {
			if retry.Sleep(pctx, backoff.Next()) != nil {
				return
			}
			f.metrics.RecordReconnect(primary.Name())
			s, err := primary.Open(pctx)
			if err != nil {
				f.logger.Debug("Primary still unavailable", "endpoint", primary.Name(), "error", err)
				continue
			}
			p.ready <- s
			return
		}
	}()
}

func (f *Failover) probed() stream.Stream {
	if f.probe == nil {
		return nil
	}
	select {
	case s := <-f.probe.ready:
		return s
	default:
		return nil
	}
}

func (f *Failover) stopProbe() {
	p := f.probe
	if p == nil {
		return
	}
	f.probe = nil
	p.cancel()
	<-p.done
	select {
	case s := <-p.ready:
		_, _ = s.Stop()
	default:
	}
}
