package testutil

import (
	"time"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
)

// HostEvent returns a NEB host status event whose HostID is seq, so tests can
// follow individual events through the broker.
func HostEvent(seq uint32) *event.Event {
	return event.New(&neb.HostStatus{
		HostID:    seq,
		State:     int16(seq % 3),
		StateType: 1,
		Output:    "PING OK - Packet loss = 0%",
		PerfData:  "rta=0.42ms;100;500;0 pl=0%;20;60;0",
		LastCheck: time.Unix(1700000000+int64(seq), 0).UTC(),
		NextCheck: time.Unix(1700000300+int64(seq), 0).UTC(),
		Latency:   0.01,
	})
}

// LogEvent returns a NEB log entry event whose HostID is seq.
func LogEvent(seq uint32) *event.Event {
	return event.New(&neb.LogEntry{
		CTime:       time.Unix(1700000000+int64(seq), 0).UTC(),
		HostID:      seq,
		ServiceID:   seq * 10,
		HostName:    "central",
		ServiceDesc: "Ping",
		MsgType:     1,
		Status:      0,
		Retry:       1,
		Output:      "SERVICE ALERT: central;Ping;OK;HARD;1;OK",
	})
}

// HostEvents returns n host status events numbered from first.
func HostEvents(first, n int) []*event.Event {
	evs := make([]*event.Event, n)
	for i := range evs {
		evs[i] = HostEvent(uint32(first + i))
	}
	return evs
}

// Seq returns the sequence number carried by an event built in this
// package.
func Seq(ev *event.Event) uint32 {
	switch p := ev.Payload.(type) {
	case *neb.HostStatus:
		return p.HostID
	case *neb.LogEntry:
		return p.HostID
	default:
		return 0
	}
}

// Seqs maps Seq over evs.
func Seqs(evs []*event.Event) []uint32 {
	out := make([]uint32, len(evs))
	for i, ev := range evs {
		out[i] = Seq(ev)
	}
	return out
}
