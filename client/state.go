package client

import "fmt"

// State is the lifecycle of the connection to the Stream Manager.
//
//	Disconnected → Connecting → Handshaking → Ready → Closing → Disconnected
//	                   ↑                                 │
//	                   └──────── Reconnecting ←──────────┘  (bounded, then Failed)
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Closing
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// connected reports whether a socket is open in this state.
func (s State) connected() bool {
	return s == Handshaking || s == Ready
}
