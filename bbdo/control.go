package bbdo

import (
	"strings"

	"github.com/c360/bbdobroker/event"
)

// Control elements of the BBDO category.
const (
	ElementVersionResponse uint16 = 1
	ElementAck             uint16 = 2
	ElementStop            uint16 = 3
)

var (
	TypeVersionResponse = event.MakeType(event.CategoryBBDO, ElementVersionResponse)
	TypeAck             = event.MakeType(event.CategoryBBDO, ElementAck)
	TypeStop            = event.MakeType(event.CategoryBBDO, ElementStop)
)

// RegisterControl adds the protocol control payloads to r. Decoders always
// understand control frames, so this is only needed when other code wants to
// resolve their names.
func RegisterControl(r *event.Registry) error {
	if err := r.Register(TypeVersionResponse, "bbdo:version_response",
		func() event.Payload { return &VersionResponse{} }); err != nil {
		return err
	}
	if err := r.Register(TypeAck, "bbdo:ack", func() event.Payload { return &Ack{} }); err != nil {
		return err
	}
	return r.Register(TypeStop, "bbdo:stop", func() event.Payload { return &Stop{} })
}

func controlPayload(t event.Type) (event.Payload, bool) {
	switch t {
	case TypeVersionResponse:
		return &VersionResponse{}, true
	case TypeAck:
		return &Ack{}, true
	case TypeStop:
		return &Stop{}, true
	}
	return nil, false
}

// VersionResponse is the negotiation frame. Both lists are extension names
// separated by single spaces.
type VersionResponse struct {
	Supported []string
	Requested []string
}

func (*VersionResponse) Type() event.Type { return TypeVersionResponse }

func (v *VersionResponse) EncodeFields(e *event.Encoder) {
	e.Str(strings.Join(v.Supported, " "))
	e.Str(strings.Join(v.Requested, " "))
}

func (v *VersionResponse) DecodeFields(d *event.Decoder) error {
	v.Supported = strings.Fields(d.Str())
	v.Requested = strings.Fields(d.Str())
	return d.Err()
}

// Ack acknowledges Count events received since the previous Ack.
type Ack struct {
	Count uint32
}

func (*Ack) Type() event.Type { return TypeAck }

func (a *Ack) EncodeFields(e *event.Encoder) { e.Uint32(a.Count) }

func (a *Ack) DecodeFields(d *event.Decoder) error {
	a.Count = d.Uint32()
	return d.Err()
}

// Stop announces a graceful shutdown and acknowledges the last Count events.
type Stop struct {
	Count uint32
}

func (*Stop) Type() event.Type { return TypeStop }

func (s *Stop) EncodeFields(e *event.Encoder) { e.Uint32(s.Count) }

func (s *Stop) DecodeFields(d *event.Decoder) error {
	s.Count = d.Uint32()
	return d.Err()
}

// IsControl reports whether t is a protocol control type.
func IsControl(t event.Type) bool {
	return t.Category() == event.CategoryBBDO
}
