// Package natsstream carries BBDO frames over NATS subjects. Each event travels as
// one message holding its encoded frames. Core NATS acknowledges a batch once
// the server has processed it (a flush round trip); JetStream acknowledges
// every event with its PubAck, in publish order.
package natsstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/natsclient"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/stream"
)

const (
	// DefaultSubject is used when Options.Subject is empty.
	DefaultSubject = "bbdo.events"

	// CategoryToken in a subject is replaced by the event category when
	// publishing and by a wildcard when subscribing.
	CategoryToken = "{category}"

	// HeaderType carries the event type next to the frame.
	HeaderType = "Bbdo-Type"

	// DefaultMaxPending bounds JetStream publishes awaiting their PubAck.
	DefaultMaxPending = 4096

	inboxSize = 4096
)

// Options configures a NATS endpoint.
type Options struct {
	Name    string
	URL     string
	Subject string

	// JetStream publishes into a stream and acknowledges on PubAck.
	JetStream bool
	// StreamName defaults to the upper-cased endpoint name.
	StreamName string

	// Input subscribes to the subject so Read yields events.
	Input bool

	Registry     *event.Registry
	MaxEventSize int
	AckLimit     int
	MaxPending   int
	StopTimeout  time.Duration

	ClientOptions []natsclient.ClientOption
	Logger        *slog.Logger
	Metrics       *metric.Metrics
}

func (o *Options) applyDefaults() {
	if o.Subject == "" {
		o.Subject = DefaultSubject
	}
	if o.StreamName == "" {
		o.StreamName = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(o.Name))
	}
	if o.Registry == nil {
		o.Registry = event.NewRegistry()
	}
	if o.MaxEventSize <= 0 {
		o.MaxEventSize = bbdo.DefaultMaxEventSize
	}
	if o.AckLimit <= 0 {
		o.AckLimit = bbdo.DefaultAckLimit
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = bbdo.DefaultStopTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SubjectFor returns the subject ev is published on.
func SubjectFor(subject string, ev *event.Event) string {
	if !strings.Contains(subject, CategoryToken) {
		return subject
	}
	return strings.ReplaceAll(subject, CategoryToken, ev.Category().String())
}

// SubscriptionSubject returns the subject filter matching every subject
// SubjectFor can produce.
func SubscriptionSubject(subject string) string {
	return strings.ReplaceAll(subject, CategoryToken, "*")
}

// Connector opens one NATS connection per stream.
type Connector struct {
	opts   Options
	logger *slog.Logger
}

var _ stream.Connector = (*Connector)(nil)

// NewConnector returns a connector for opts.
func NewConnector(opts Options) *Connector {
	opts.applyDefaults()
	return &Connector{
		opts:   opts,
		logger: opts.Logger.With("endpoint", opts.Name, "subject", opts.Subject),
	}
}

// Name returns the endpoint name.
func (c *Connector) Name() string { return c.opts.Name }

// Open connects, declares the JetStream stream when configured and subscribes
// for input endpoints.
func (c *Connector) Open(ctx context.Context) (stream.Stream, error) {
	clientOpts := append([]natsclient.ClientOption{
		natsclient.WithLogger(c.opts.Logger),
		natsclient.WithName("bbdobroker-" + c.opts.Name),
	}, c.opts.ClientOptions...)

	client, err := natsclient.NewClient(c.opts.URL, clientOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "nats.Connector", "Open", "create client")
	}
	if err := client.Connect(ctx); err != nil {
		c.opts.Metrics.RecordEndpointStatus(c.opts.Name, false)
		_ = client.Close(ctx)
		return nil, errors.WrapTransient(err, "nats.Connector", "Open", "connect "+c.opts.URL)
	}

	s := &Stream{
		opts:   c.opts,
		client: client,
		logger: c.logger,
		decoder: bbdo.NewDecoder(c.opts.Registry,
			bbdo.WithMaxEventSize(c.opts.MaxEventSize),
			bbdo.WithDecoderLogger(c.logger, c.opts.Name),
			bbdo.WithDecoderMetrics(c.opts.Metrics),
		),
		done: make(chan struct{}),
	}

	if err := s.setup(ctx); err != nil {
		s.shutdown()
		c.opts.Metrics.RecordEndpointStatus(c.opts.Name, false)
		return nil, err
	}

	c.opts.Metrics.RecordEndpointStatus(c.opts.Name, true)
	c.logger.Info("NATS stream open", "jetstream", c.opts.JetStream, "input", c.opts.Input)
	return s, nil
}

// Stream publishes events and, for input endpoints, yields the events
// received on the subject.
type Stream struct {
	opts    Options
	client  *natsclient.Client
	logger  *slog.Logger
	decoder *bbdo.Decoder

	js      jetstream.JetStream
	futures []jetstream.PubAckFuture

	unflushed int

	inbox    chan *nats.Msg
	sub      *nats.Subscription
	consumer jetstream.ConsumeContext
	buf      buffer.Stack

	closeOnce sync.Once
	done      chan struct{}
}

var _ stream.Stream = (*Stream)(nil)

func (s *Stream) setup(ctx context.Context) error {
	filter := SubscriptionSubject(s.opts.Subject)

	if s.opts.JetStream {
		js, err := s.client.JetStream()
		if err != nil {
			return err
		}
		s.js = js
		if _, err := s.client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     s.opts.StreamName,
			Subjects: []string{filter},
		}); err != nil {
			return err
		}
	}

	if !s.opts.Input {
		return nil
	}
	s.inbox = make(chan *nats.Msg, inboxSize)

	if s.js == nil {
		sub, err := s.client.ChanSubscribe(filter, s.inbox)
		if err != nil {
			return errors.WrapTransient(err, "nats.Stream", "setup", "subscribe "+filter)
		}
		s.sub = sub
		// The subscription is live once the server answered.
		if err := s.client.Flush(ctx); err != nil {
			return errors.WrapTransient(err, "nats.Stream", "setup", "flush subscription")
		}
		return nil
	}

	cc, err := s.client.ConsumeStream(ctx, s.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       s.opts.StreamName + "_INPUT",
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}, s.deliver)
	if err != nil {
		return err
	}
	s.consumer = cc
	return nil
}

// deliver hands a JetStream message to Read and acknowledges it once queued.
func (s *Stream) deliver(msg jetstream.Msg) {
	m := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: msg.Headers()}
	select {
	case s.inbox <- m:
		if err := msg.Ack(); err != nil {
			s.logger.Warn("JetStream ack failed", "error", err)
		}
	case <-s.done:
		_ = msg.Nak()
	}
}

// Read returns the next received event. Streams that do not subscribe wait
// out the deadline.
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
			s.logger.Warn("Dropping undecodable message data", "error", err)
			continue
		}

		if s.inbox == nil {
			return nil, stream.WaitDeadline(ctx, deadline)
		}
		msg, err := s.receive(ctx, deadline)
		if err != nil {
			return nil, err
		}
		s.buf.Push(msg.Data)
	}
}

func (s *Stream) receive(ctx context.Context, deadline time.Time) (*nats.Msg, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			select {
			case msg := <-s.inbox:
				return msg, nil
			default:
				return nil, errors.ErrTimeout
			}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-timeout:
		return nil, errors.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.ErrStreamClosed
	}
}

// Write publishes ev and returns the events acknowledged since the last call.
func (s *Stream) Write(ev *event.Event) (int, error) {
	if s.isClosed() {
		return 0, errors.ErrStreamClosed
	}
	frame, err := bbdo.EncodeLimit(ev, s.opts.MaxEventSize)
	if err != nil {
		return 0, err
	}
	if conn := s.client.Conn(); conn != nil && int64(len(frame)) > conn.MaxPayload() {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %d byte frame over the server limit of %d", errors.ErrEventSize, len(frame), conn.MaxPayload()),
			"nats.Stream", "Write", "check payload size")
	}

	msg := nats.NewMsg(SubjectFor(s.opts.Subject, ev))
	msg.Data = frame
	msg.Header.Set(HeaderType, ev.Type.String())

	if s.js != nil {
		return s.publishAsync(msg)
	}
	return s.publishCore(msg)
}

func (s *Stream) publishCore(msg *nats.Msg) (int, error) {
	if err := s.client.PublishMsg(msg); err != nil {
		return 0, errors.Broken(err, s.opts.Name)
	}
	s.opts.Metrics.RecordWritten(s.opts.Name)
	s.unflushed++
	if s.unflushed < s.opts.AckLimit {
		return 0, nil
	}
	return s.flush()
}

// flush acknowledges every core publish once the server answered a ping.
func (s *Stream) flush() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	if err := s.client.Flush(ctx); err != nil {
		return 0, errors.Broken(err, s.opts.Name)
	}
	acked := s.unflushed
	s.unflushed = 0
	return acked, nil
}

func (s *Stream) publishAsync(msg *nats.Msg) (int, error) {
	f, err := s.js.PublishMsgAsync(msg)
	if err != nil {
		return 0, errors.Broken(err, s.opts.Name)
	}
	s.opts.Metrics.RecordWritten(s.opts.Name)
	s.futures = append(s.futures, f)

	acked := 0
	if len(s.futures) >= s.opts.MaxPending {
		if err := s.waitOldest(); err != nil {
			return 0, err
		}
		acked = 1
	}
	n, err := s.harvest()
	return acked + n, err
}

// waitOldest blocks on the oldest outstanding PubAck.
func (s *Stream) waitOldest() error {
	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	f := s.futures[0]
	select {
	case <-f.Ok():
		s.futures = s.futures[1:]
		return nil
	case err := <-f.Err():
		return errors.Broken(err, s.opts.Name)
	case <-timer.C:
		return errors.Broken(fmt.Errorf("%w: no PubAck within %v", errors.ErrTimeout, s.opts.StopTimeout), s.opts.Name)
	}
}

// harvest pops resolved PubAcks from the front, stopping at the first
// unresolved one so acknowledgements stay in publish order.
func (s *Stream) harvest() (int, error) {
	acked := 0
	for len(s.futures) > 0 {
		f := s.futures[0]
		select {
		case <-f.Ok():
			s.futures = s.futures[1:]
			acked++
		case err := <-f.Err():
			return acked, errors.Broken(err, s.opts.Name)
		default:
			return acked, nil
		}
	}
	return acked, nil
}

// Stop waits up to the stop timeout for outstanding acknowledgements, then
// closes the connection.
func (s *Stream) Stop() (int, error) {
	if s.isClosed() {
		return 0, nil
	}

	var acked int
	var err error
	switch {
	case s.js != nil && len(s.futures) > 0:
		timer := time.NewTimer(s.opts.StopTimeout)
		select {
		case <-s.js.PublishAsyncComplete():
		case <-timer.C:
		}
		timer.Stop()
		acked, err = s.harvest()
		if err == nil && len(s.futures) > 0 {
			s.logger.Warn("Stopping with unacknowledged publishes", "pending", len(s.futures))
		}
	case s.unflushed > 0:
		acked, err = s.flush()
	}

	s.shutdown()
	return acked, err
}

func (s *Stream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.consumer != nil {
			s.consumer.Stop()
		}
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
		defer cancel()
		if err := s.client.Close(ctx); err != nil {
			s.logger.Debug("NATS close", "error", err)
		}
	})
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
