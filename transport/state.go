package transport

import "fmt"

// State of a Communicator. A communicator moves Closed -> Connecting ->
// Connected -> Closing -> Closed exactly once.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// rank orders states along the lifecycle, the final Closed ranks last.
func rank(s State, started bool) int {
	if s == StateClosed && started {
		return 4
	}

	return int(s)
}
