package bbdo

import (
	"fmt"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
)

// Encode serializes ev into one or more frames. Payloads of MaxChunkSize bytes
// or more are split; every chunk but the last carries exactly MaxChunkSize
// bytes and the last one fewer, possibly none.
func Encode(ev *event.Event) ([]byte, error) {
	return EncodeLimit(ev, DefaultMaxEventSize)
}

// EncodeLimit is Encode with an explicit payload size bound.
func EncodeLimit(ev *event.Event, maxEventSize int) ([]byte, error) {
	if ev == nil || ev.Payload == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil event", errors.ErrInvalidData), "bbdo", "Encode", "encode event")
	}

	payload, err := event.EncodePayload(ev.Payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "bbdo", "Encode", fmt.Sprintf("encode %s payload", ev.Type))
	}
	if maxEventSize > 0 && len(payload) > maxEventSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes for %s", errors.ErrEventSize, len(payload), ev.Type),
			"bbdo", "Encode", "encode event")
	}

	chunks := len(payload)/MaxChunkSize + 1
	out := make([]byte, 0, len(payload)+chunks*HeaderSize)
	for {
		n := min(len(payload), MaxChunkSize)
		out = appendFrame(out, ev.Type, ev.Source, ev.Destination, payload[:n])
		payload = payload[n:]
		if n < MaxChunkSize {
			return out, nil
		}
	}
}
