package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/health"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/multiplexing"
	"github.com/c360/bbdobroker/stream"
)

// FeederOptions configures a feeder. Acceptors use it as a template and fill
// Name and Stream per connection.
type FeederOptions struct {
	Name   string
	Stream stream.Stream
	Engine *multiplexing.Engine
	// SourceID is stamped on events the peer sends without a source.
	SourceID uint32

	// Output subscribes the feeder to Categories and writes those events to
	// the peer. Without it the feeder only reads.
	Output       bool
	Categories   []event.Category
	QueueSize    int
	Overflow     string
	BlockTimeout time.Duration

	ReadTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Feeder serves one connected peer from a single goroutine, alternating
// between reading the peer into the engine and writing its subscriber's
// events to the peer. It never reconnects: a broken stream ends the feeder
// and the peer is expected to come back on its own.
type Feeder struct {
	name        string
	stream      stream.Stream
	engine      *multiplexing.Engine
	sourceID    uint32
	sub         *multiplexing.Subscriber
	readTimeout time.Duration
	logger      *slog.Logger
	metrics     *metric.Metrics

	state stateBox

	lifecycleMu sync.Mutex
	started     bool
	exited      bool
	cancel      context.CancelFunc
	done        chan struct{}

	read    atomic.Int64
	written atomic.Int64
	errMu   sync.Mutex
	lastErr error
}

// NewFeeder subscribes an output feeder and returns it stopped.
func NewFeeder(opts FeederOptions) (*Feeder, error) {
	if opts.Stream == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Feeder", "NewFeeder", "stream is required")
	}
	if opts.Engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Feeder", "NewFeeder", "engine is required")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fd := &Feeder{
		name:        opts.Name,
		stream:      opts.Stream,
		engine:      opts.Engine,
		sourceID:    opts.SourceID,
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger.With("component", "feeder", "name", opts.Name),
		metrics:     opts.Metrics,
		done:        make(chan struct{}),
	}

	if opts.Output {
		sub, err := opts.Engine.Subscribe(multiplexing.SubscriberOptions{
			Name:         fmt.Sprintf("feeder-%s-%s", opts.Name, uuid.NewString()[:8]),
			Categories:   opts.Categories,
			QueueSize:    opts.QueueSize,
			Overflow:     opts.Overflow,
			BlockTimeout: opts.BlockTimeout,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Feeder", "NewFeeder", "subscribe")
		}
		fd.sub = sub
	}
	return fd, nil
}

// Name returns the feeder name.
func (fd *Feeder) Name() string { return fd.name }

// State returns the current state.
func (fd *Feeder) State() State { return fd.state.load() }

// Done is closed once the feeder goroutine has returned.
func (fd *Feeder) Done() <-chan struct{} { return fd.done }

// Start launches the feeder goroutine.
func (fd *Feeder) Start(ctx context.Context) error {
	fd.lifecycleMu.Lock()
	defer fd.lifecycleMu.Unlock()

	if fd.exited {
		return errors.WrapFatal(errors.ErrShuttingDown, "Feeder", "Start", "check running state")
	}
	if fd.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Feeder", "Start", "check running state")
	}
	runCtx, cancel := context.WithCancel(ctx)
	fd.started = true
	fd.cancel = cancel
	go fd.run(runCtx)
	return nil
}

// Exit stops the feeder and waits for it, closing the stream when the
// goroutine does not return within timeout. It is idempotent.
func (fd *Feeder) Exit(timeout time.Duration) error {
	fd.lifecycleMu.Lock()
	defer fd.lifecycleMu.Unlock()

	if fd.exited {
		return nil
	}
	fd.exited = true
	if !fd.started {
		fd.cleanup()
		close(fd.done)
		return nil
	}
	fd.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fd.done:
		return nil
	case <-timer.C:
	}

	closeStream(fd.stream)
	timer.Reset(timeout)
	select {
	case <-fd.done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("exit timeout after %v", timeout),
			"Feeder", "Exit", "join feeder")
	}
}

// Status returns a health snapshot of the feeder.
func (fd *Feeder) Status() health.Status {
	fd.errMu.Lock()
	lastErr := fd.lastErr
	fd.errMu.Unlock()
	st := health.FromState(fd.name, fd.State().String(), healthyStates, degradedStates, lastErr)
	return st.WithMetrics(&health.Metrics{
		MessagesProcessed: fd.read.Load() + fd.written.Load(),
	})
}

func (fd *Feeder) run(ctx context.Context) {
	defer close(fd.done)
	defer fd.cleanup()

	if o, ok := fd.stream.(stream.Opener); ok {
		if err := o.Open(ctx); err != nil {
			fd.recordError(err)
			fd.logger.Warn("Peer handshake failed", "error", err)
			return
		}
	}
	fd.state.store(StateStreaming)
	fd.logger.Info("Feeder started", "output", fd.sub != nil)

	for {
		if err := fd.readOnce(ctx); err != nil {
			fd.finish(ctx, err)
			return
		}
		if err := fd.drain(ctx); err != nil {
			fd.finish(ctx, err)
			return
		}
	}
}

// readOnce waits for one inbound event. The wait is cut short while the
// subscriber has events queued for the peer.
func (fd *Feeder) readOnce(ctx context.Context) error {
	wait := fd.readTimeout
	if fd.sub != nil && fd.sub.Size() > 0 {
		wait = time.Millisecond
	}
	ev, err := fd.stream.Read(ctx, time.Now().Add(wait))
	if errors.Is(err, errors.ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	fd.read.Add(1)
	ev = ev.WithDefaultSource(fd.sourceID)
	if fd.sub != nil {
		return fd.sub.Publish(ev)
	}
	return fd.engine.Publish(ev)
}

// drain writes every event already queued for the peer.
func (fd *Feeder) drain(ctx context.Context) error {
	if fd.sub == nil {
		return nil
	}
	for {
		ev, err := fd.sub.Get(ctx, time.Now())
		if errors.Is(err, errors.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fd.stream.Write(ev); err != nil {
			if errors.IsInvalid(err) && !errors.Is(err, errors.ErrStreamBroken) {
				fd.logger.Warn("Dropping event the peer cannot carry", "type", ev.Type.String(), "error", err)
				continue
			}
			return err
		}
		fd.written.Add(1)
	}
}

func (fd *Feeder) finish(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, errors.ErrSubscriberClosed), errors.Is(err, errors.ErrShuttingDown):
		fd.logger.Info("Feeder detached from engine")
	case errors.IsExpectedClose(err) || errors.Is(err, errors.ErrStreamClosed):
		fd.logger.Info("Peer disconnected")
	default:
		fd.recordError(err)
		fd.logger.Warn("Feeder stream failed", "error", err)
	}
}

func (fd *Feeder) cleanup() {
	fd.state.store(StateExiting)
	if _, err := fd.stream.Stop(); err != nil && !errors.IsExpectedClose(err) && !errors.Is(err, errors.ErrStreamBroken) {
		fd.logger.Debug("Stream stop reported an error", "error", err)
	}
	if fd.sub != nil {
		fd.sub.Close()
	}
	fd.logger.Info("Feeder finished", "read", fd.read.Load(), "written", fd.written.Load())
}

func (fd *Feeder) recordError(err error) {
	fd.errMu.Lock()
	fd.lastErr = err
	fd.errMu.Unlock()
}
