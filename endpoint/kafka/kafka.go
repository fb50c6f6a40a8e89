// Package kafka carries BBDO events through a Kafka topic. An output stream
// produces one record per event, keyed by the event source so every source
// keeps its order on one partition, and acknowledges events as their produce
// requests complete. An input stream joins a consumer group and decodes the
// records back into events.
package kafka

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/stream"
)

// HeaderType is the record header carrying the event type.
const HeaderType = "bbdo-type"

// Options configures a Kafka endpoint.
type Options struct {
	Name    string
	Brokers []string
	Topic   string

	// Input joins GroupID and consumes Topic.
	Input   bool
	GroupID string

	ClientID     string
	TLS          *tls.Config
	Registry     *event.Registry
	MaxEventSize int
	StopTimeout  time.Duration

	// Extra is appended to the client options.
	Extra []kgo.Opt

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (o *Options) applyDefaults() {
	if o.Topic == "" {
		o.Topic = "bbdo-events"
	}
	if o.GroupID == "" {
		o.GroupID = "bbdobroker-" + o.Name
	}
	if o.ClientID == "" {
		o.ClientID = "bbdobroker"
	}
	if o.Registry == nil {
		o.Registry = event.NewRegistry()
	}
	if o.MaxEventSize <= 0 {
		o.MaxEventSize = bbdo.DefaultMaxEventSize
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = bbdo.DefaultStopTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) clientOpts() []kgo.Opt {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.ClientID(o.ClientID),
		kgo.DefaultProduceTopic(o.Topic),
	}
	if o.Input {
		kopts = append(kopts,
			kgo.ConsumerGroup(o.GroupID),
			kgo.ConsumeTopics(o.Topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)
	}
	if o.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(o.TLS))
	}
	return append(kopts, o.Extra...)
}

// Connector opens one Kafka client per stream.
type Connector struct {
	opts   Options
	logger *slog.Logger
}

var _ stream.Connector = (*Connector)(nil)

// NewConnector validates opts and returns a connector.
func NewConnector(opts Options) (*Connector, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "kafka", "NewConnector", "brokers are required")
	}
	opts.applyDefaults()
	return &Connector{
		opts:   opts,
		logger: opts.Logger.With("endpoint", opts.Name, "topic", opts.Topic),
	}, nil
}

// Name returns the endpoint name.
func (c *Connector) Name() string { return c.opts.Name }

// Open creates a client and checks that a broker answers.
func (c *Connector) Open(ctx context.Context) (stream.Stream, error) {
	client, err := kgo.NewClient(c.opts.clientOpts()...)
	if err != nil {
		return nil, errors.WrapFatal(err, "kafka.Connector", "Open", "create client")
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		c.opts.Metrics.RecordEndpointStatus(c.opts.Name, false)
		return nil, errors.WrapTransient(err, "kafka.Connector", "Open", "ping brokers")
	}
	c.opts.Metrics.RecordEndpointStatus(c.opts.Name, true)
	c.logger.Info("Kafka stream open", "input", c.opts.Input, "brokers", c.opts.Brokers)

	return &Stream{
		opts:   c.opts,
		client: client,
		logger: c.logger,
		decoder: bbdo.NewDecoder(c.opts.Registry,
			bbdo.WithMaxEventSize(c.opts.MaxEventSize),
			bbdo.WithDecoderLogger(c.logger, c.opts.Name),
			bbdo.WithDecoderMetrics(c.opts.Metrics),
		),
	}, nil
}

// Stream produces and consumes records on one topic.
type Stream struct {
	opts    Options
	client  *kgo.Client
	logger  *slog.Logger
	decoder *bbdo.Decoder

	acks ackTracker

	records []*kgo.Record
	buf     buffer.Stack

	mu     sync.Mutex
	closed bool
}

var _ stream.Stream = (*Stream)(nil)

// Record builds the record carrying ev.
func Record(ev *event.Event, frame []byte) *kgo.Record {
	return &kgo.Record{
		Key:   strconv.AppendUint(nil, uint64(ev.Source), 10),
		Value: frame,
		Headers: []kgo.RecordHeader{
			{Key: HeaderType, Value: []byte(ev.Type.String())},
		},
	}
}

// Write produces ev asynchronously and returns the events whose produce
// requests completed, in write order.
func (s *Stream) Write(ev *event.Event) (int, error) {
	if s.isClosed() {
		return 0, errors.ErrStreamClosed
	}
	if err := s.acks.failure(); err != nil {
		return 0, errors.Broken(err, s.opts.Name)
	}
	frame, err := bbdo.EncodeLimit(ev, s.opts.MaxEventSize)
	if err != nil {
		return 0, err
	}

	seq := s.acks.add()
	s.client.Produce(context.Background(), Record(ev, frame), func(_ *kgo.Record, err error) {
		s.acks.complete(seq, err)
	})
	s.opts.Metrics.RecordWritten(s.opts.Name)
	return s.acks.take(), nil
}

// Read returns the next event from the topic. Output streams wait out the
// deadline.
func (s *Stream) Read(ctx context.Context, deadline time.Time) (*event.Event, error) {
	for {
		if s.isClosed() {
			return nil, errors.ErrStreamClosed
		}

		ev, err := s.decoder.Decode(&s.buf)
		switch {
		case err == nil:
			s.opts.Metrics.RecordRead(s.opts.Name)
			return ev, nil
		case errors.Is(err, errors.ErrNeedMoreData):
		case errors.Is(err, errors.ErrStreamBroken):
			return nil, err
		default:
			s.logger.Warn("Dropping undecodable record data", "error", err)
			continue
		}

		if !s.opts.Input {
			return nil, stream.WaitDeadline(ctx, deadline)
		}
		if len(s.records) == 0 {
			if err := s.poll(ctx, deadline); err != nil {
				return nil, err
			}
			continue
		}

		rec := s.records[0]
		s.records = s.records[1:]
		// A record holds whole frames; leftovers of a bad record must not
		// merge with the next one.
		s.buf.Reset()
		s.buf.Push(rec.Value)
	}
}

func (s *Stream) poll(ctx context.Context, deadline time.Time) error {
	pollCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	fetches := s.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return errors.ErrStreamClosed
	}
	for _, fe := range fetches.Errors() {
		switch {
		case errors.Is(fe.Err, context.DeadlineExceeded) && ctx.Err() == nil:
			return errors.ErrTimeout
		case errors.Is(fe.Err, context.Canceled), errors.Is(fe.Err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			return errors.Broken(fe.Err, s.opts.Name)
		}
	}
	s.records = append(s.records, fetches.Records()...)
	return nil
}

// Stop flushes outstanding produce requests within the stop timeout and
// closes the client.
func (s *Stream) Stop() (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	flushErr := s.client.Flush(ctx)
	acked := s.acks.take()
	if pending := s.acks.pending(); pending > 0 {
		s.logger.Warn("Stopping with unacknowledged records", "pending", pending)
	}
	s.client.Close()

	if flushErr != nil {
		return acked, errors.Wrap(flushErr, "kafka.Stream", "Stop", "flush")
	}
	if err := s.acks.failure(); err != nil {
		return acked, errors.Broken(err, s.opts.Name)
	}
	return acked, nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ackTracker turns produce completions, which may arrive out of order across
// partitions, into an in-order acknowledgement count.
type ackTracker struct {
	mu       sync.Mutex
	next     uint64
	floor    uint64
	reported uint64
	done     map[uint64]struct{}
	err      error
}

func (t *ackTracker) add() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.next
	t.next++
	return seq
}

func (t *ackTracker) complete(seq uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if t.err == nil {
			t.err = err
		}
		return
	}
	if t.done == nil {
		t.done = make(map[uint64]struct{})
	}
	t.done[seq] = struct{}{}
	for {
		if _, ok := t.done[t.floor]; !ok {
			break
		}
		delete(t.done, t.floor)
		t.floor++
	}
}

// take returns the completions not yet reported.
func (t *ackTracker) take() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.floor - t.reported
	t.reported = t.floor
	return int(n)
}

func (t *ackTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.next - t.floor)
}

func (t *ackTracker) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
