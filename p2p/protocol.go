package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	protocolVersion uint32 = 1
	clientVersion          = "0.1.0"
)

// Constants for our P2P message types.
const (
	MsgTypeHello      byte = 0x01
	MsgTypeHelloAck   byte = 0x02
	MsgTypeRefuse     byte = 0x03
	MsgTypeGetPeers   byte = 0x04
	MsgTypePeers      byte = 0x05
	MsgTypeDisconnect byte = 0x06
)

// Refusal reasons carried by MsgTypeRefuse.
const (
	RefuseCapacity  = "capacity"
	RefuseDuplicate = "duplicate"
	RefuseSelf      = "self"
	RefuseNetwork   = "network"
	RefuseVersion   = "version"
)

// PeerHello is the first frame each side writes on a new connection.
type PeerHello struct {
	ProtocolVersion uint32 `json:"protoVersion"`
	NetworkID       uint32 `json:"networkId"`
	NodeID          string `json:"nodeId"`
	ListenPort      uint16 `json:"listenPort"`
	Bootnode        bool   `json:"bootnode"`
	ClientVersion   string `json:"clientVersion"`
	Nonce           string `json:"nonce"`
}

// HelloAckPayload accepts a dialer, echoing the nonce from its hello.
type HelloAckPayload struct {
	Nonce string `json:"nonce"`
}

// ReasonPayload is shared by refusals and disconnects.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

func newMessage(msgType byte, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

func decodePayload(msg *Message, want byte, out any) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidPayload)
	}
	if msg.Type != want {
		return fmt.Errorf("%w: expected message type 0x%02x, got 0x%02x", ErrInvalidPayload, want, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%w: decode 0x%02x: %v", ErrInvalidPayload, msg.Type, err)
	}
	return nil
}

func refusalReason(err error) string {
	switch {
	case errors.Is(err, ErrSelfConnection):
		return RefuseSelf
	case errors.Is(err, ErrDuplicatePeer):
		return RefuseDuplicate
	case errors.Is(err, ErrCapacityExceeded):
		return RefuseCapacity
	case errors.Is(err, errVersionMismatch):
		return RefuseVersion
	default:
		return RefuseNetwork
	}
}

func refusalError(reason string) error {
	switch reason {
	case RefuseCapacity:
		return fmt.Errorf("%w: refused by peer", ErrCapacityExceeded)
	case RefuseDuplicate:
		return fmt.Errorf("%w: refused by peer", ErrDuplicatePeer)
	case RefuseSelf:
		return fmt.Errorf("%w: refused by peer", ErrSelfConnection)
	default:
		return fmt.Errorf("%w: refused by peer (%s)", errIncompatible, reason)
	}
}
