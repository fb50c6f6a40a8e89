package broker

import (
	"fmt"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/compression"
	"github.com/c360/bbdobroker/config"
	"github.com/c360/bbdobroker/endpoint/file"
	"github.com/c360/bbdobroker/endpoint/kafka"
	"github.com/c360/bbdobroker/endpoint/natsstream"
	"github.com/c360/bbdobroker/endpoint/sink"
	"github.com/c360/bbdobroker/endpoint/tcp"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/natsclient"
	"github.com/c360/bbdobroker/pkg/tlsutil"
	"github.com/c360/bbdobroker/stream"
)

// connector builds the client side of an endpoint. input selects the
// reading side of the message-bus endpoints.
func (b *Broker) connector(e config.EndpointConfig, input bool) (stream.Connector, error) {
	switch e.Type {
	case config.TypeTCP:
		opts, err := b.protocolOptions(e, stream.RoleConnector)
		if err != nil {
			return nil, err
		}
		return tcp.NewConnector(e.Address, opts), nil

	case config.TypeFile:
		return file.NewConnector(file.Options{
			Name:         e.Name,
			Path:         e.Path,
			Registry:     b.registry,
			MaxEventSize: e.MaxEventSize,
			Sync:         e.Sync,
			Logger:       b.logger,
			Metrics:      b.metrics,
		}), nil

	case config.TypeNATS:
		var clientOpts []natsclient.ClientOption
		if tlsEnabled(e) {
			t := e.Extensions.TLS
			clientOpts = append(clientOpts, natsclient.WithTLS(t.CertFile, t.KeyFile, t.CAFile))
		}
		return natsstream.NewConnector(natsstream.Options{
			Name:          e.Name,
			URL:           e.URL,
			Subject:       e.Subject,
			JetStream:     e.JetStream,
			StreamName:    e.Stream,
			Input:         input,
			Registry:      b.registry,
			MaxEventSize:  e.MaxEventSize,
			AckLimit:      e.AckLimit,
			StopTimeout:   e.StopTimeout.Std(),
			ClientOptions: clientOpts,
			Logger:        b.logger,
			Metrics:       b.metrics,
		}), nil

	case config.TypeKafka:
		opts := kafka.Options{
			Name:         e.Name,
			Brokers:      e.Brokers,
			Topic:        e.Topic,
			Input:        input,
			GroupID:      e.GroupID,
			ClientID:     b.cfg.Broker.Name,
			Registry:     b.registry,
			MaxEventSize: e.MaxEventSize,
			StopTimeout:  e.StopTimeout.Std(),
			Logger:       b.logger,
			Metrics:      b.metrics,
		}
		if tlsEnabled(e) {
			tc, err := tlsutil.LoadClientTLSConfig(e.Extensions.TLS.Util())
			if err != nil {
				return nil, err
			}
			opts.TLS = tc
		}
		return kafka.NewConnector(opts)

	case config.TypeSink:
		s, err := b.sink(e)
		if err != nil {
			return nil, err
		}
		return sink.NewConnector(e.Name, sink.Shared(s), b.metrics), nil
	}
	return nil, errors.WrapFatal(fmt.Errorf("%w: unknown endpoint type %q", errors.ErrInvalidConfig, e.Type),
		"Broker", "connector", "build endpoint "+e.Name)
}

// sink returns the sink behind a sink endpoint, creating it on first use so
// every stream of the endpoint shares it.
func (b *Broker) sink(e config.EndpointConfig) (stream.Sink, error) {
	if s, ok := b.sinks[e.Name]; ok {
		return s, nil
	}
	s, err := sink.New(e.Sink, b.logger.With("endpoint", e.Name))
	if err != nil {
		return nil, err
	}
	b.sinks[e.Name] = s
	return s, nil
}

// acceptor builds the listening side of a tcp endpoint.
func (b *Broker) acceptor(e config.EndpointConfig) (*tcp.Acceptor, error) {
	opts, err := b.protocolOptions(e, stream.RoleAcceptor)
	if err != nil {
		return nil, err
	}
	return tcp.NewAcceptor(e.Address, opts), nil
}

// protocolOptions maps an endpoint to BBDO stream options, extensions
// included. TLS is stacked below compression.
func (b *Broker) protocolOptions(e config.EndpointConfig, role stream.Role) (bbdo.Options, error) {
	opts := bbdo.Options{
		Name:               e.Name,
		Role:               role,
		Registry:           b.registry,
		Negotiation:        e.NegotiationEnabled(),
		NegotiationTimeout: e.NegotiationTimeout.Std(),
		AckLimit:           e.AckLimit,
		StopTimeout:        e.StopTimeout.Std(),
		MaxResyncWindow:    e.MaxResyncWindow,
		MaxEventSize:       e.MaxEventSize,
		Logger:             b.logger,
		Metrics:            b.metrics,
	}

	tlsMode, err := bbdo.ParseExtensionMode(e.Extensions.TLS.Mode)
	if err != nil {
		return opts, err
	}
	if tlsMode != bbdo.ModeNo {
		layer, err := tlsutil.Layer(e.Extensions.TLS.Util())
		if err != nil {
			return opts, err
		}
		opts.Extensions = append(opts.Extensions, bbdo.Extension{
			Name:  bbdo.ExtensionTLS,
			Mode:  tlsMode,
			Apply: layer,
		})
	}

	compMode, err := bbdo.ParseExtensionMode(e.Extensions.Compression.Mode)
	if err != nil {
		return opts, err
	}
	if compMode != bbdo.ModeNo {
		algo, err := compression.ParseAlgorithm(e.Extensions.Compression.Algorithm)
		if err != nil {
			return opts, err
		}
		opts.Extensions = append(opts.Extensions, bbdo.Extension{
			Name:  bbdo.ExtensionCompression,
			Mode:  compMode,
			Apply: compression.Layer(algo),
		})
	}
	return opts, nil
}

func tlsEnabled(e config.EndpointConfig) bool {
	mode, err := bbdo.ParseExtensionMode(e.Extensions.TLS.Mode)
	return err == nil && mode != bbdo.ModeNo
}
