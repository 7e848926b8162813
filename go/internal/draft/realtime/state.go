package realtime

import "fmt"

// Status is the connection lifecycle of a room subscription.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// ConnectionState is the observable state of one subscription session.
// Attempt is set while reconnecting; LastError is set after a failure.
type ConnectionState struct {
	Status     Status
	Attempt    int
	RetryCount int
	LastError  error
}

func (s ConnectionState) String() string {
	switch s.Status {
	case StatusReconnecting:
		return fmt.Sprintf("%s(%d)", s.Status, s.Attempt)
	case StatusFailed:
		return fmt.Sprintf("%s(%v)", s.Status, s.LastError)
	}
	return string(s.Status)
}

// transitions is the complete table of allowed moves. Cleanup may force any
// state to disconnected; failed only leaves through a manual reconnect.
var transitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting, StatusReconnecting, StatusFailed},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusReconnecting: {StatusConnecting, StatusDisconnected},
	StatusFailed:       {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
