// Package buffer provides the two queue types the broker is built on: a generic
// thread-safe circular buffer with configurable overflow policies, and a
// single-owner byte Stack that accumulates partially received protocol data.
//
// # Circular buffers
//
// Every multiplexer subscriber owns one CircularBuffer of events:
//
//	queue, err := buffer.NewCircularBuffer[*event.Event](10000,
//		buffer.WithOverflowPolicy[*event.Event](buffer.Block),
//		buffer.WithBlockTimeout[*event.Event](5*time.Second),
//		buffer.WithMetrics[*event.Event](registry, "subscriber_rrd"),
//	)
//
// Overflow policies:
//
//   - Block: Write waits for space. With a block timeout the oldest item is
//     evicted once the timeout expires, so a stalled consumer cannot hold a
//     publisher forever.
//   - DropOldest: the oldest item is evicted immediately.
//   - DropNewest: the incoming item is discarded.
//
// Evicted items are reported to the drop callback outside the buffer lock.
//
// Readers either poll with Read or wait with ReadWithContext, which honours
// context deadlines and returns errors.ErrSubscriberClosed once the buffer has
// been closed and drained.
//
// # Observability
//
// Statistics are always collected with atomic counters and are available via
// Stats(). Prometheus export is optional via WithMetrics(); the same operations
// are then counted in the registry under the "bbdo_buffer_" prefix with a
// queue label.
//
// # Stack
//
// Stack is a byte FIFO for protocol decoding. Push appends, Pop advances an
// offset and Data exposes the unconsumed bytes without copying. The live region
// is moved to the front only when the consumed prefix exceeds 4 KiB and half of
// the backing array, which keeps repeated small pops linear overall.
//
//	var s buffer.Stack
//	s.Push(chunk)
//	hdr := s.Data()[:16]
//	s.Pop(16)
//
// Stack is not safe for concurrent use; each protocol stream owns its own.
package buffer
