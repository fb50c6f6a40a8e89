package config

import (
	"fmt"
	"strings"

	"github.com/c360/bbdobroker/bbdo"
	"github.com/c360/bbdobroker/compression"
	"github.com/c360/bbdobroker/endpoint/sink"
	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/pkg/buffer"
	"github.com/c360/bbdobroker/pkg/retry"
)

// Validate checks the whole configuration and reports every problem found.
// The returned error matches errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	if c.Multiplexer.QueueSize < 0 {
		add("multiplexer.queue_size must not be negative")
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Multiplexer.OverflowPolicy); !ok {
		add("multiplexer.overflow_policy %q is unknown", c.Multiplexer.OverflowPolicy)
	}
	if c.Multiplexer.BlockTimeout < 0 {
		add("multiplexer.block_timeout must not be negative")
	}

	names := make(map[string]string)
	check := func(section string, i int, e EndpointConfig) {
		where := fmt.Sprintf("%s[%d]", section, i)
		if e.Name == "" {
			add("%s: name is required", where)
		} else {
			where = fmt.Sprintf("%s %q", section, e.Name)
			if prev, dup := names[e.Name]; dup {
				add("%s: name already used in %s", where, prev)
			}
			names[e.Name] = section
		}
		for _, msg := range e.problems() {
			add("%s: %s", where, msg)
		}
	}
	for i, in := range c.Inputs {
		check("inputs", i, in)
		if in.Failover != "" {
			add("inputs %q: failover is only supported on outputs", in.Name)
		}
		if in.Type == TypeSink {
			add("inputs %q: a sink cannot be an input", in.Name)
		}
	}
	for i, out := range c.Outputs {
		check("outputs", i, out)
	}
	for _, msg := range c.failoverProblems() {
		add("%s", msg)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapFatal(errors.Join(errs...), "Config", "Validate", "validate configuration")
}

// problems lists what is wrong with a single endpoint.
func (e EndpointConfig) problems() []string {
	var out []string
	switch e.Type {
	case TypeTCP:
		if e.Address == "" {
			out = append(out, "address is required")
		}
	case TypeFile:
		if e.Path == "" {
			out = append(out, "path is required")
		}
	case TypeNATS:
		if e.URL == "" {
			out = append(out, "url is required")
		}
	case TypeKafka:
		if len(e.Brokers) == 0 {
			out = append(out, "brokers are required")
		}
	case TypeSink:
		switch e.Sink {
		case "", sink.KindLog, sink.KindMemory, sink.KindDiscard:
		default:
			out = append(out, fmt.Sprintf("unknown sink %q", e.Sink))
		}
	case "":
		out = append(out, "type is required")
	default:
		out = append(out, fmt.Sprintf("unknown type %q", e.Type))
	}

	switch e.Role {
	case "", RoleConnector:
	case RoleAcceptor:
		if e.Type != TypeTCP {
			out = append(out, "only tcp endpoints can accept")
		}
		if e.Failover != "" {
			out = append(out, "an acceptor cannot fail over")
		}
	default:
		out = append(out, fmt.Sprintf("unknown role %q", e.Role))
	}

	for field, v := range map[string]int{
		"ack_limit":         e.AckLimit,
		"retention_size":    e.RetentionSize,
		"max_resync_window": e.MaxResyncWindow,
		"max_event_size":    e.MaxEventSize,
		"queue_size":        e.QueueSize,
	} {
		if v < 0 {
			out = append(out, field+" must not be negative")
		}
	}
	for field, v := range map[string]Duration{
		"retry_interval":      e.RetryInterval,
		"max_retry_interval":  e.MaxRetryInterval,
		"buffering_timeout":   e.BufferingTimeout,
		"negotiation_timeout": e.NegotiationTimeout,
		"read_timeout":        e.ReadTimeout,
		"stop_timeout":        e.StopTimeout,
	} {
		if v < 0 {
			out = append(out, field+" must not be negative")
		}
	}

	if _, err := retry.ParsePolicy(e.RetryPolicy); err != nil {
		out = append(out, err.Error())
	}
	if _, ok := buffer.ParseOverflowPolicy(e.Overflow); !ok {
		out = append(out, fmt.Sprintf("unknown overflow policy %q", e.Overflow))
	}
	if _, err := e.CategoryList(); err != nil {
		out = append(out, fmt.Sprintf("categories %s", strings.Join(e.Categories, ",")))
	}

	comp := e.Extensions.Compression
	compMode, err := bbdo.ParseExtensionMode(comp.Mode)
	if err != nil {
		out = append(out, fmt.Sprintf("unknown compression mode %q", comp.Mode))
	}
	if _, err := compression.ParseAlgorithm(comp.Algorithm); err != nil {
		out = append(out, fmt.Sprintf("unknown compression algorithm %q", comp.Algorithm))
	}
	tlsMode, err := bbdo.ParseExtensionMode(e.Extensions.TLS.Mode)
	if err != nil {
		out = append(out, fmt.Sprintf("unknown tls mode %q", e.Extensions.TLS.Mode))
	}
	if tlsMode != bbdo.ModeNo && e.IsAcceptor() &&
		(e.Extensions.TLS.CertFile == "" || e.Extensions.TLS.KeyFile == "") {
		out = append(out, "tls on an acceptor needs cert_file and key_file")
	}
	if (tlsMode != bbdo.ModeNo || compMode != bbdo.ModeNo) &&
		e.Type == TypeTCP && !e.NegotiationEnabled() {
		out = append(out, "extensions need negotiation")
	}
	return out
}

// failoverProblems checks that every failover names an existing connector
// output and that no chain loops back on itself.
func (c *Config) failoverProblems() []string {
	var out []string
	for _, o := range c.Outputs {
		if o.Failover == "" {
			continue
		}
		target, ok := c.Output(o.Failover)
		switch {
		case o.Failover == o.Name:
			out = append(out, fmt.Sprintf("outputs %q: fails over to itself", o.Name))
			continue
		case !ok:
			out = append(out, fmt.Sprintf("outputs %q: failover %q is not an output", o.Name, o.Failover))
			continue
		case target.IsAcceptor():
			out = append(out, fmt.Sprintf("outputs %q: failover %q is an acceptor", o.Name, o.Failover))
		}

		seen := map[string]bool{o.Name: true}
		for next := o.Failover; next != ""; {
			if seen[next] {
				out = append(out, fmt.Sprintf("outputs %q: failover chain loops at %q", o.Name, next))
				break
			}
			seen[next] = true
			n, ok := c.Output(next)
			if !ok {
				break
			}
			next = n.Failover
		}
	}

	// A secondary serves a single chain.
	refs := make(map[string]string)
	for _, o := range c.Outputs {
		if o.Failover == "" {
			continue
		}
		if prev, ok := refs[o.Failover]; ok {
			out = append(out, fmt.Sprintf("outputs %q: failover %q is already used by %q", o.Name, o.Failover, prev))
		}
		refs[o.Failover] = o.Name
	}
	return out
}
