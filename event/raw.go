package event

// Raw carries an event whose type is not registered. Its bytes are forwarded
// unchanged so a relay does not need to understand every payload.
type Raw struct {
	EventType Type
	Data      []byte
}

func (r *Raw) Type() Type { return r.EventType }

func (r *Raw) EncodeFields(e *Encoder) { e.Raw(r.Data) }

func (r *Raw) DecodeFields(d *Decoder) error {
	r.Data = append([]byte(nil), d.Rest()...)
	return nil
}
