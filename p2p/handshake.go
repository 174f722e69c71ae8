package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

func (n *Node) localHello() PeerHello {
	return PeerHello{
		ProtocolVersion: protocolVersion,
		NetworkID:       n.cfg.NetworkID,
		NodeID:          n.identity.NodeID,
		ListenPort:      uint16(n.listenPort.Load()),
		Bootnode:        n.admission.Limits().IsBootnode,
		ClientVersion:   n.cfg.ClientVersion,
		Nonce:           uuid.NewString(),
	}
}

func (n *Node) verifyHello(remote PeerHello) error {
	if remote.NodeID == "" {
		return fmt.Errorf("%w: hello without node id", ErrInvalidPayload)
	}
	if remote.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%w: remote speaks %d, local %d", errVersionMismatch, remote.ProtocolVersion, protocolVersion)
	}
	if remote.NetworkID != n.cfg.NetworkID {
		return fmt.Errorf("%w: remote network %d, local %d", errNetworkMismatch, remote.NetworkID, n.cfg.NetworkID)
	}
	if remote.NodeID == n.identity.NodeID {
		return ErrSelfConnection
	}
	return nil
}

// exchangeHello writes our hello and reads the peer's. Both sides write first,
// so neither blocks on the other.
func (n *Node) exchangeHello(ctx context.Context, conn net.Conn, reader *bufio.Reader) (PeerHello, PeerHello, error) {
	local := n.localHello()
	msg, err := newMessage(MsgTypeHello, local)
	if err != nil {
		return local, PeerHello{}, fmt.Errorf("prepare hello: %w", err)
	}
	if err := writeFrame(ctx, conn, msg); err != nil {
		return local, PeerHello{}, fmt.Errorf("send hello: %w", err)
	}
	reply, err := readMessage(ctx, conn, reader, n.cfg.MaxMessageBytes)
	if err != nil {
		return local, PeerHello{}, fmt.Errorf("read hello: %w", err)
	}
	var remote PeerHello
	if err := decodePayload(reply, MsgTypeHello, &remote); err != nil {
		return local, PeerHello{}, err
	}
	return local, remote, nil
}

// handshakeOutbound runs the dialer side: exchange hellos, then wait for the
// acceptor's verdict.
func (n *Node) handshakeOutbound(ctx context.Context, conn net.Conn, reader *bufio.Reader, addr PeerAddress) (PeerHello, error) {
	local, remote, err := n.exchangeHello(ctx, conn, reader)
	if err != nil {
		return remote, err
	}
	if err := n.verifyHello(remote); err != nil {
		if errors.Is(err, ErrSelfConnection) {
			n.book.MarkSelf(addr)
		}
		return remote, err
	}

	verdict, err := readMessage(ctx, conn, reader, n.cfg.MaxMessageBytes)
	if err != nil {
		return remote, fmt.Errorf("read handshake verdict: %w", err)
	}
	switch verdict.Type {
	case MsgTypeRefuse:
		var reason ReasonPayload
		if err := decodePayload(verdict, MsgTypeRefuse, &reason); err != nil {
			return remote, err
		}
		return remote, refusalError(reason.Reason)
	case MsgTypeHelloAck:
		var ack HelloAckPayload
		if err := decodePayload(verdict, MsgTypeHelloAck, &ack); err != nil {
			return remote, err
		}
		if ack.Nonce != local.Nonce {
			return remote, fmt.Errorf("%w: handshake ack nonce mismatch", ErrInvalidPayload)
		}
	default:
		return remote, fmt.Errorf("%w: unexpected handshake message 0x%02x", ErrInvalidPayload, verdict.Type)
	}

	if err := n.book.BindNodeID(addr, remote.NodeID); err != nil {
		if msg, mErr := newMessage(MsgTypeDisconnect, ReasonPayload{Reason: RefuseDuplicate}); mErr == nil {
			_ = writeFrame(ctx, conn, msg)
		}
		return remote, err
	}
	return remote, nil
}

// handshakeInbound runs the acceptor side and returns the book key of the peer.
// Admission happens here, after the peer declared its node id and listening port.
func (n *Node) handshakeInbound(ctx context.Context, conn net.Conn, reader *bufio.Reader) (PeerAddress, PeerHello, error) {
	_, remote, err := n.exchangeHello(ctx, conn, reader)
	if err != nil {
		return "", remote, err
	}
	addr, err := inboundAddress(conn.RemoteAddr(), remote.ListenPort)
	if err != nil {
		return "", remote, err
	}
	err = n.verifyHello(remote)
	if err == nil && !n.hellos.Remember(remote.NodeID, remote.Nonce) {
		err = errReplayedHello
	}
	if err == nil {
		err = n.admission.AdmitInbound(addr, remote.NodeID, remote.Bootnode)
	}
	if err != nil {
		if errors.Is(err, ErrSelfConnection) {
			n.book.MarkSelf(addr)
		}
		if msg, mErr := newMessage(MsgTypeRefuse, ReasonPayload{Reason: refusalReason(err)}); mErr == nil {
			_ = writeFrame(ctx, conn, msg)
		}
		return addr, remote, err
	}

	ack, err := newMessage(MsgTypeHelloAck, HelloAckPayload{Nonce: remote.Nonce})
	if err == nil {
		err = writeFrame(ctx, conn, ack)
	}
	if err != nil {
		n.release(addr)
		return addr, remote, fmt.Errorf("send handshake ack: %w", err)
	}
	return addr, remote, nil
}
