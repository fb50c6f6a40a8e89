package processing

import "sync/atomic"

// State is the lifecycle state of a failover worker or feeder.
type State int32

const (
	// StateStarting is the state before the first stream opens.
	StateStarting State = iota
	// StateStreaming moves events over the primary endpoint.
	StateStreaming
	// StateRetrying waits to reopen an endpoint after a failure.
	StateRetrying
	// StateFailedOver moves events over a secondary endpoint while the
	// primary is probed in the background.
	StateFailedOver
	// StateExiting is terminal.
	StateExiting
)

// String returns the name used in logs and health messages.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateRetrying:
		return "retrying"
	case StateFailedOver:
		return "failed_over"
	case StateExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

var (
	healthyStates  = []string{StateStreaming.String()}
	degradedStates = []string{StateFailedOver.String()}
)

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

// store sets s and returns the previous state.
func (b *stateBox) store(s State) State { return State(b.v.Swap(int32(s))) }
