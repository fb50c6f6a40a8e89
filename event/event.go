package event

import (
	"fmt"
	"strings"

	"github.com/c360/bbdobroker/errors"
)

// Category is the high half of an event type.
type Category uint16

// Known categories.
const (
	CategoryNEB         Category = 1
	CategoryBBDO        Category = 2
	CategoryStorage     Category = 3
	CategoryCorrelation Category = 4
)

var categoryNames = map[Category]string{
	CategoryNEB:         "neb",
	CategoryBBDO:        "bbdo",
	CategoryStorage:     "storage",
	CategoryCorrelation: "correlation",
}

// String returns the configuration name of the category.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category_%d", uint16(c))
}

// ParseCategory maps a configuration name to its Category.
func ParseCategory(name string) (Category, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: unknown category %q", errors.ErrInvalidConfig, name),
		"event", "ParseCategory", "parse category")
}

// Type identifies an event kind on the wire: category<<16 | element.
type Type uint32

// MakeType builds a Type from its category and element.
func MakeType(c Category, element uint16) Type {
	return Type(uint32(c)<<16 | uint32(element))
}

// Category returns the high 16 bits.
func (t Type) Category() Category { return Category(t >> 16) }

// Element returns the low 16 bits.
func (t Type) Element() uint16 { return uint16(t) }

// String formats the type as category:element.
func (t Type) String() string {
	return fmt.Sprintf("%s:%d", t.Category(), t.Element())
}

// Payload is the type-specific body of an event. Fields are written and read
// in declared order.
type Payload interface {
	Type() Type
	EncodeFields(e *Encoder)
	DecodeFields(d *Decoder) error
}

// Event is one monitoring event. Once published an Event is shared read-only
// between subscribers and must not be modified.
type Event struct {
	Type        Type
	Source      uint32
	Destination uint32
	Payload     Payload
}

// New wraps p in an Event with the type taken from the payload.
func New(p Payload) *Event {
	return &Event{Type: p.Type(), Payload: p}
}

// WithRoute returns a copy of ev carrying the given source and destination.
func (ev *Event) WithRoute(source, destination uint32) *Event {
	cp := *ev
	cp.Source = source
	cp.Destination = destination
	return &cp
}

// WithDefaultSource returns ev unchanged when it already names a source or
// source is zero, otherwise a copy from source.
func (ev *Event) WithDefaultSource(source uint32) *Event {
	if source == 0 || ev.Source != 0 {
		return ev
	}
	return ev.WithRoute(source, ev.Destination)
}

// Category is a shorthand for ev.Type.Category().
func (ev *Event) Category() Category {
	return ev.Type.Category()
}

// String is used in log lines.
func (ev *Event) String() string {
	return fmt.Sprintf("%s src=%d dst=%d", ev.Type, ev.Source, ev.Destination)
}
