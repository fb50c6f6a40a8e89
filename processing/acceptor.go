package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/health"
	"github.com/c360/bbdobroker/pkg/retry"
	"github.com/c360/bbdobroker/stream"
)

// AcceptorOptions configures an accept loop.
type AcceptorOptions struct {
	Name     string
	Acceptor stream.Acceptor
	// Feeder is the template of every connection's feeder. Name and Stream
	// are set per connection.
	Feeder FeederOptions
	// Retry paces Accept after a failure.
	Retry retry.Config

	Logger *slog.Logger
}

// Acceptor runs one Feeder per inbound connection and joins them all on
// Exit.
type Acceptor struct {
	name     string
	acceptor stream.Acceptor
	template FeederOptions
	retryCfg retry.Config
	logger   *slog.Logger

	mu      sync.Mutex
	feeders map[*Feeder]struct{}
	closing bool

	accepted atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	exited      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewAcceptor validates opts and returns a stopped acceptor.
func NewAcceptor(opts AcceptorOptions) (*Acceptor, error) {
	if opts.Acceptor == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Acceptor", "NewAcceptor", "acceptor is required")
	}
	if opts.Feeder.Engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Acceptor", "NewAcceptor", "engine is required")
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.Config{
			Policy:       retry.Exponential,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		}
	}
	if _, err := retry.NewBackoff(opts.Retry); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Acceptor", "NewAcceptor", "retry config")
	}
	if opts.Name == "" {
		opts.Name = opts.Acceptor.Name()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Feeder.Logger == nil {
		opts.Feeder.Logger = opts.Logger
	}
	return &Acceptor{
		name:     opts.Name,
		acceptor: opts.Acceptor,
		template: opts.Feeder,
		retryCfg: opts.Retry,
		logger:   opts.Logger.With("component", "acceptor", "name", opts.Name),
		feeders:  make(map[*Feeder]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Name returns the acceptor name.
func (a *Acceptor) Name() string { return a.name }

// Start runs Run in a new goroutine.
func (a *Acceptor) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.exited {
		return errors.WrapFatal(errors.ErrShuttingDown, "Acceptor", "Start", "check running state")
	}
	if a.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Acceptor", "Start", "check running state")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.started = true
	a.cancel = cancel
	go func() {
		defer close(a.done)
		_ = a.Run(runCtx)
	}()
	return nil
}

// Run accepts connections until ctx ends or the acceptor is closed. Accept
// failures are retried with backoff. Feeders outlive Run; Exit joins them.
func (a *Acceptor) Run(ctx context.Context) error {
	backoff, err := retry.NewBackoff(a.retryCfg)
	if err != nil {
		return errors.WrapFatal(err, "Acceptor", "Run", "create backoff")
	}
	a.logger.Info("Accepting peers")

	for {
		s, err := a.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil ||
				errors.Is(err, errors.ErrStreamClosed) ||
				errors.Is(err, errors.ErrAlreadyStopped) {
				return nil
			}
			if errors.IsFatal(err) {
				a.logger.Error("Accept failed", "error", err)
				return err
			}
			delay := backoff.Next()
			a.logger.Warn("Accept failed, retrying", "error", err, "delay", delay)
			if retry.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		backoff.Reset()
		a.spawn(ctx, s)
	}
}

func (a *Acceptor) spawn(ctx context.Context, s stream.Stream) {
	a.prune()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		a.logger.Warn("Refusing peer accepted during exit")
		_, _ = s.Stop()
		return
	}

	n := a.accepted.Add(1)
	opts := a.template
	opts.Name = fmt.Sprintf("%s-%d", a.name, n)
	opts.Stream = s

	fd, err := NewFeeder(opts)
	if err != nil {
		a.logger.Error("Cannot create feeder", "error", err)
		_, _ = s.Stop()
		return
	}
	if err := fd.Start(ctx); err != nil {
		a.logger.Error("Cannot start feeder", "error", err)
		_ = fd.Exit(0)
		return
	}
	a.feeders[fd] = struct{}{}
}

// prune forgets feeders whose goroutine has returned.
func (a *Acceptor) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for fd := range a.feeders {
		select {
		case <-fd.Done():
			delete(a.feeders, fd)
		default:
		}
	}
}

// Feeders returns how many feeders are still running.
func (a *Acceptor) Feeders() int {
	a.prune()
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.feeders)
}

// Accepted returns how many connections were accepted.
func (a *Acceptor) Accepted() int64 { return a.accepted.Load() }

// Exit stops accepting, then exits every feeder within timeout. It is
// idempotent.
func (a *Acceptor) Exit(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.exited {
		return nil
	}
	a.exited = true

	closeErr := a.acceptor.Close()
	if a.started {
		a.cancel()
		select {
		case <-a.done:
		case <-time.After(timeout):
			a.logger.Warn("Accept loop did not stop in time", "timeout", timeout)
		}
	}

	a.mu.Lock()
	a.closing = true
	feeders := make([]*Feeder, 0, len(a.feeders))
	for fd := range a.feeders {
		feeders = append(feeders, fd)
	}
	a.feeders = make(map[*Feeder]struct{})
	a.mu.Unlock()

	var g errgroup.Group
	for _, fd := range feeders {
		g.Go(func() error { return fd.Exit(timeout) })
	}
	err := g.Wait()
	a.logger.Info("Acceptor stopped", "feeders", len(feeders))

	if err != nil {
		return err
	}
	if closeErr != nil && !errors.IsExpectedClose(closeErr) {
		return errors.Wrap(closeErr, "Acceptor", "Exit", "close listener")
	}
	return nil
}

// Status reports the acceptor with one sub-status per running feeder.
func (a *Acceptor) Status() health.Status {
	a.lifecycleMu.Lock()
	running := a.started && !a.exited
	a.lifecycleMu.Unlock()

	var st health.Status
	if running {
		st = health.NewHealthy(a.name, "accepting")
	} else {
		st = health.NewUnhealthy(a.name, "not accepting")
	}

	a.prune()
	a.mu.Lock()
	for fd := range a.feeders {
		st = st.WithSubStatus(fd.Status())
	}
	a.mu.Unlock()
	return st
}
