package client

import "fmt"

// ConnectionState is the manager's lifecycle position.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// canTransition lists the only legal edges.
func canTransition(from, to ConnectionState) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateDisconnecting
	case StateConnected:
		return to == StateDisconnecting
	case StateDisconnecting:
		return to == StateDisconnected
	default:
		return false
	}
}

// StateChange is the payload of events.KindConnectionState.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Cause   Cause
	Err     error
	Attempt int
}
