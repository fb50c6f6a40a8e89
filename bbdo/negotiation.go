package bbdo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/stream"
)

// Well-known extension names.
const (
	ExtensionTLS         = "TLS"
	ExtensionCompression = "COMPRESSION"
)

// extensionOrder lists the extensions in the order they are stacked onto the
// lower layer. Unlisted extensions follow in name order.
var extensionOrder = []string{ExtensionTLS, ExtensionCompression}

// ExtensionMode says how much a side wants an extension.
type ExtensionMode int

const (
	// ModeNo: not supported.
	ModeNo ExtensionMode = iota
	// ModeAuto: supported, enabled when the peer asks for it.
	ModeAuto
	// ModeYes: supported and requested.
	ModeYes
	// ModeRequired: requested, and the connection fails without it.
	ModeRequired
)

func (m ExtensionMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeYes:
		return "yes"
	case ModeRequired:
		return "required"
	default:
		return "no"
	}
}

// ParseExtensionMode reads the configuration spelling of a mode.
func ParseExtensionMode(s string) (ExtensionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "false":
		return ModeNo, nil
	case "auto":
		return ModeAuto, nil
	case "yes", "true":
		return ModeYes, nil
	case "required", "mandatory":
		return ModeRequired, nil
	}
	return ModeNo, errors.WrapInvalid(fmt.Errorf("%w: unknown extension mode %q", errors.ErrInvalidConfig, s),
		"bbdo", "ParseExtensionMode", "parse extension mode")
}

// LayerFunc stacks an extension on top of lower.
type LayerFunc func(lower stream.ByteStream, role stream.Role) (stream.ByteStream, error)

// Extension is one negotiable lower layer.
type Extension struct {
	Name  string
	Mode  ExtensionMode
	Apply LayerFunc
}

// NegotiationState tracks the handshake. Transitions only move forward.
type NegotiationState int

const (
	NegotiationNotStarted NegotiationState = iota
	NegotiationFirst
	NegotiationSecond
	NegotiationDone
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationFirst:
		return "negotiate_first"
	case NegotiationSecond:
		return "negotiate_second"
	case NegotiationDone:
		return "negotiated"
	default:
		return "not_started"
	}
}

// supportedNames lists every extension this side can run.
func supportedNames(exts []Extension) []string {
	var out []string
	for _, e := range exts {
		if e.Mode != ModeNo {
			out = append(out, e.Name)
		}
	}
	return out
}

// requestedNames lists the extensions this side asks for.
func requestedNames(exts []Extension) []string {
	var out []string
	for _, e := range exts {
		if e.Mode >= ModeYes {
			out = append(out, e.Name)
		}
	}
	return out
}

// NegotiateSet computes the extensions both sides run:
// (mine requested ∩ peer supported) ∪ (peer requested ∩ mine supported),
// returned in stacking order. The result is the same on both sides.
func NegotiateSet(mineSupported, mineRequested, peerSupported, peerRequested []string) []string {
	set := make(map[string]struct{})
	for _, n := range mineRequested {
		if slices.Contains(peerSupported, n) {
			set[n] = struct{}{}
		}
	}
	for _, n := range peerRequested {
		if slices.Contains(mineSupported, n) {
			set[n] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	slices.SortFunc(out, compareExtensions)
	return out
}

func compareExtensions(a, b string) int {
	ia, ib := slices.Index(extensionOrder, a), slices.Index(extensionOrder, b)
	switch {
	case ia >= 0 && ib >= 0:
		return ia - ib
	case ia >= 0:
		return -1
	case ib >= 0:
		return 1
	}
	return strings.Compare(a, b)
}

// checkMandatory fails when a required extension did not make it into the set.
func checkMandatory(exts []Extension, negotiated []string) error {
	for _, e := range exts {
		if e.Mode == ModeRequired && !slices.Contains(negotiated, e.Name) {
			return errors.WrapFatal(
				fmt.Errorf("%w: required extension %s not supported by peer", errors.ErrNegotiation, e.Name),
				"Stream", "negotiate", "check mandatory extensions")
		}
	}
	return nil
}
