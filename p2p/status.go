package p2p

import (
	"fmt"
	"strings"
)

// ConnectionStatus is the lifecycle state of a peer record.
type ConnectionStatus uint8

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusHandshaking
	StatusConnected
	StatusActive

	numStatuses
)

var statusNames = [numStatuses]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusHandshaking:  "handshaking",
	StatusConnected:    "connected",
	StatusActive:       "active",
}

func (s ConnectionStatus) String() string {
	if s >= numStatuses {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	if s >= numStatuses {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionStatus) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, candidate := range statusNames {
		if candidate == name {
			*s = ConnectionStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// CanTransition reports whether s -> next is an edge of the peer state machine:
// Disconnected -> Connecting -> Handshaking -> Connected -> Active -> Disconnected,
// with every intermediate state allowed to fall back to Disconnected.
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	switch s {
	case StatusDisconnected:
		return next == StatusConnecting
	case StatusConnecting:
		return next == StatusHandshaking || next == StatusDisconnected
	case StatusHandshaking:
		return next == StatusConnected || next == StatusDisconnected
	case StatusConnected:
		return next == StatusActive || next == StatusDisconnected
	case StatusActive:
		return next == StatusDisconnected
	default:
		return false
	}
}

// Occupied reports whether the status holds a connection slot.
func (s ConnectionStatus) Occupied() bool {
	return s != StatusDisconnected && s < numStatuses
}

// IsConnected reports whether the handshake has completed.
func (s ConnectionStatus) IsConnected() bool {
	return s == StatusConnected || s == StatusActive
}
