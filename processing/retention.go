package processing

import (
	"log/slog"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/metric"
	"github.com/c360/bbdobroker/pkg/buffer"
)

// DefaultRetentionSize bounds the unacknowledged events kept for replay.
const DefaultRetentionSize = 100000

// retention keeps written events until the peer acknowledges them. Events
// evicted by overflow are counted in lost so that later acknowledgements,
// which refer to them first, still line up with the queue.
type retention struct {
	name    string
	queue   buffer.Buffer[*event.Event]
	lost    int
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newRetention(name string, size int, logger *slog.Logger, metrics *metric.Metrics) (*retention, error) {
	r := &retention{name: name, logger: logger, metrics: metrics}
	q, err := buffer.NewCircularBuffer(size,
		buffer.WithOverflowPolicy[*event.Event](buffer.DropOldest),
		buffer.WithDropCallback[*event.Event](r.evicted),
	)
	if err != nil {
		return nil, err
	}
	r.queue = q
	return r, nil
}

// evicted runs on the goroutine calling push, which owns lost.
func (r *retention) evicted(ev *event.Event) {
	r.lost++
	r.logger.Warn("Retention full, dropping oldest unacknowledged event",
		"output", r.name, "type", ev.Type.String(), "lost", r.lost)
}

func (r *retention) push(ev *event.Event) {
	_ = r.queue.Write(ev)
	r.metrics.RecordRetention(r.name, r.queue.Size())
}

// ack releases the n oldest events.
func (r *retention) ack(n int) {
	if n <= 0 {
		return
	}
	if r.lost > 0 {
		k := min(n, r.lost)
		r.lost -= k
		n -= k
	}
	if n > 0 {
		r.queue.ReadBatch(n)
	}
	r.metrics.RecordRetention(r.name, r.queue.Size())
}

// drain removes every retained event for replay on a new stream. Pending
// acknowledgements for lost events can no longer arrive once the stream that
// owed them is gone.
func (r *retention) drain() []*event.Event {
	r.lost = 0
	evs := r.queue.ReadBatch(r.queue.Size())
	r.metrics.RecordRetention(r.name, r.queue.Size())
	return evs
}

func (r *retention) size() int { return r.queue.Size() }
