package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrBind indicates the listener could not be bound.
	ErrBind = errors.New("p2p: bind failed")
	// ErrConnect indicates an outbound connection attempt failed.
	ErrConnect = errors.New("p2p: connect failed")
	// ErrInvalidTransition is returned for a status change outside the peer state machine.
	ErrInvalidTransition = errors.New("p2p: invalid status transition")
	// ErrCapacityExceeded is returned when admitting a peer would exceed the configured limits.
	ErrCapacityExceeded = errors.New("p2p: peer capacity exceeded")
	// ErrInvalidConfig is returned when min_peers > max_peers or other limits are nonsensical.
	ErrInvalidConfig = errors.New("p2p: invalid config")
	// ErrUnknownPeer is returned when an operation references an address not in the peer book.
	ErrUnknownPeer = errors.New("p2p: unknown peer")
	// ErrDuplicatePeer is returned when a peer already holds a connection slot.
	ErrDuplicatePeer = errors.New("p2p: duplicate peer")
	// ErrSelfConnection is returned when a connection would loop back to the local node.
	ErrSelfConnection = errors.New("p2p: self connection")
	// ErrNotListening is returned by StartServices before Listen succeeded.
	ErrNotListening = errors.New("p2p: node is not listening")
	// ErrNodeClosed is returned once Shutdown has been called.
	ErrNodeClosed = errors.New("p2p: node closed")
	// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
	ErrInvalidPayload = errors.New("p2p: invalid payload")

	errQueueFull       = errors.New("p2p: outbound queue full")
	errIncompatible    = errors.New("p2p: incompatible peer")
	errVersionMismatch = fmt.Errorf("%w: protocol version mismatch", errIncompatible)
	errNetworkMismatch = fmt.Errorf("%w: network id mismatch", errIncompatible)
	errReplayedHello   = fmt.Errorf("%w: replayed hello nonce", errIncompatible)
)

// BindError reports a failure to bind the listening socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("p2p: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.Err}
}

// ConnectError reports a failed outbound connection attempt. Refusals by the
// remote side unwrap to ErrCapacityExceeded, ErrDuplicatePeer or ErrSelfConnection.
type ConnectError struct {
	Addr PeerAddress
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("p2p: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// isRefusal reports whether err is a remote refusal rather than a reachability failure.
func isRefusal(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrDuplicatePeer) ||
		errors.Is(err, ErrSelfConnection)
}
