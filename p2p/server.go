package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hxuchen/snarkOS/observability/logging"
)

// acceptLoop runs until ctx is cancelled or the listener fails permanently.
func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	n.log().Info("p2p listener started",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_id", n.identity.NodeID))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			n.log().Warn("accept failed", slog.Any("error", err), slog.Duration("retry_in", tempDelay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0
		if !n.spawn(func() { n.handleInbound(conn) }) {
			_ = conn.Close()
			return nil
		}
	}
}

func (n *Node) handleInbound(conn net.Conn) {
	stop := context.AfterFunc(n.ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	reader := bufio.NewReader(conn)

	addr, remote, err := n.handshakeInbound(ctx, conn, reader)
	if err == nil {
		if err = n.activate(ctx, addr, remote, true, conn, reader); err != nil {
			n.release(addr)
		}
	}
	if err != nil {
		_ = conn.Close()
		n.metrics.recordInbound(inboundResult(err))
		n.log().Debug("inbound connection rejected",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		return
	}
	n.metrics.recordInbound("accepted")
}

func inboundResult(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate"
	case errors.Is(err, ErrSelfConnection):
		return "self"
	case errors.Is(err, errIncompatible):
		return "incompatible"
	default:
		return "error"
	}
}

// dial connects to an address already reserved in Connecting.
func (n *Node) dial(ctx context.Context, addr PeerAddress) error {
	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	conn, err := n.transport.Dial(dialCtx, addr.String())
	cancel()
	if err != nil {
		n.dialFailed(addr, err)
		return &ConnectError{Addr: addr, Err: err}
	}
	if err := n.book.Transition(addr, StatusHandshaking); err != nil {
		_ = conn.Close()
		n.release(addr)
		return &ConnectError{Addr: addr, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	hsCtx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	reader := bufio.NewReader(conn)

	remote, err := n.handshakeOutbound(hsCtx, conn, reader, addr)
	if err == nil {
		err = n.activate(hsCtx, addr, remote, false, conn, reader)
	}
	if err != nil {
		_ = conn.Close()
		if isRefusal(err) {
			n.release(addr)
			n.metrics.recordDial("refused")
			n.log().Debug("outbound connection refused",
				logging.MaskField("peer_address", addr.String()),
				slog.Any("error", err))
		} else {
			n.dialFailed(addr, err)
		}
		return &ConnectError{Addr: addr, Err: err}
	}
	n.metrics.recordDial("success")
	return nil
}

func (n *Node) dialFailed(addr PeerAddress, err error) {
	n.release(addr)
	failures, _ := n.book.RecordFailure(addr)
	n.metrics.recordDial("failure")
	n.log().Debug("outbound connection failed",
		logging.MaskField("peer_address", addr.String()),
		slog.Int("failures", failures),
		slog.Any("error", err))
}

// dialAsync dials a reserved address in the background.
func (n *Node) dialAsync(addr PeerAddress) {
	if !n.spawn(func() { _ = n.dial(n.ctx, addr) }) {
		n.release(addr)
	}
}

// activate promotes a handshaken connection to an Active session. On error the
// caller still owns the reservation.
func (n *Node) activate(ctx context.Context, addr PeerAddress, remote PeerHello, inbound bool, conn net.Conn, reader *bufio.Reader) error {
	if err := n.book.Transition(addr, StatusConnected); err != nil {
		return err
	}
	if err := n.auth.Authenticate(ctx, remote); err != nil {
		return fmt.Errorf("%w: authenticate: %v", errIncompatible, err)
	}
	s := newSession(n, addr, remote, inbound, conn, reader)
	if err := n.addSession(s); err != nil {
		s.cancel()
		return err
	}
	if err := n.book.Transition(addr, StatusActive); err != nil {
		s.terminate(err)
		return err
	}
	_ = n.book.RecordSuccess(addr)
	_ = n.book.Upsert(addr, StatusDisconnected, remote.Bootnode)
	s.start()

	n.log().Info("peer connected",
		logging.MaskField("peer_address", addr.String()),
		logging.MaskField("peer_id", remote.NodeID),
		slog.Bool("inbound", inbound),
		slog.Bool("bootnode", remote.Bootnode))
	return nil
}

func (n *Node) addSession(s *session) error {
	n.sessionsMu.Lock()
	defer n.sessionsMu.Unlock()
	if n.ctx.Err() != nil {
		return ErrNodeClosed
	}
	if existing := n.sessions[s.addr]; existing != nil {
		return fmt.Errorf("%w: session already open for %s", ErrDuplicatePeer, s.addr)
	}
	n.sessions[s.addr] = s
	return nil
}

func (n *Node) removeSession(s *session, reason error) {
	n.sessionsMu.Lock()
	if current := n.sessions[s.addr]; current == s {
		delete(n.sessions, s.addr)
	}
	n.sessionsMu.Unlock()
	n.release(s.addr)

	attrs := []any{logging.MaskField("peer_address", s.addr.String())}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	n.log().Info("peer disconnected", attrs...)
}

func (n *Node) sessionSnapshot() []*session {
	n.sessionsMu.RLock()
	defer n.sessionsMu.RUnlock()
	out := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

func (n *Node) session(addr PeerAddress) *session {
	n.sessionsMu.RLock()
	defer n.sessionsMu.RUnlock()
	return n.sessions[addr]
}

// release returns addr to Disconnected if it still holds a slot.
func (n *Node) release(addr PeerAddress) {
	if rec, ok := n.book.Get(addr); !ok || rec.Status == StatusDisconnected {
		return
	}
	if err := n.book.Transition(addr, StatusDisconnected); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrUnknownPeer) {
		n.log().Warn("failed to release peer", slog.Any("error", err))
	}
}

func (n *Node) handleMessage(s *session, msg *Message) error {
	switch msg.Type {
	case MsgTypeGetPeers:
		if !s.limiter.allow() {
			return fmt.Errorf("pex request rate exceeded")
		}
		var req PexRequestPayload
		if err := decodePayload(msg, MsgTypeGetPeers, &req); err != nil {
			return err
		}
		return n.pex.handleRequest(s, req)
	case MsgTypePeers:
		var resp PexAddressesPayload
		if err := decodePayload(msg, MsgTypePeers, &resp); err != nil {
			return err
		}
		added, err := n.pex.handleResponse(s, resp)
		if err != nil {
			return err
		}
		if added > 0 {
			n.log().Debug("learned peers", logging.MaskField("peer_address", s.addr.String()), slog.Int("added", added))
		}
		return nil
	case MsgTypeDisconnect:
		var reason ReasonPayload
		if err := decodePayload(msg, MsgTypeDisconnect, &reason); err != nil {
			return err
		}
		s.terminate(fmt.Errorf("remote disconnect: %s", reason.Reason))
		return nil
	default:
		return fmt.Errorf("%w: unexpected message type 0x%02x", ErrInvalidPayload, msg.Type)
	}
}

// requestPeers sends a peer exchange request to every Active session.
func (n *Node) requestPeers() int {
	sent := 0
	for _, s := range n.sessionSnapshot() {
		if rec, ok := n.book.Get(s.addr); !ok || rec.Status != StatusActive {
			continue
		}
		if err := n.pex.request(s); err != nil {
			n.log().Debug("pex request failed", logging.MaskField("peer_address", s.addr.String()), slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent
}

// prune drops a connected peer chosen by the admission controller.
func (n *Node) prune(addr PeerAddress) {
	if s := n.session(addr); s != nil {
		s.disconnect("pruned")
		return
	}
	n.release(addr)
}
