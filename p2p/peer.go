package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hxuchen/snarkOS/observability/logging"
)

const outboundQueueSize = 64

// session is an established connection to an Active peer.
type session struct {
	node     *Node
	addr     PeerAddress
	hello    PeerHello
	inbound  bool
	conn     net.Conn
	reader   *bufio.Reader
	outbound chan *Message
	limiter  *requestLimiter

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(n *Node, addr PeerAddress, hello PeerHello, inbound bool, conn net.Conn, reader *bufio.Reader) *session {
	ctx, cancel := context.WithCancel(n.ctx)
	return &session{
		node:     n,
		addr:     addr,
		hello:    hello,
		inbound:  inbound,
		conn:     conn,
		reader:   reader,
		outbound: make(chan *Message, outboundQueueSize),
		limiter:  newRequestLimiter(n.cfg.PexRequestRate, n.cfg.PexRequestBurst, n.clock),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

func (s *session) Address() PeerAddress {
	return s.addr
}

func (s *session) NodeID() string {
	return s.hello.NodeID
}

func (s *session) start() {
	s.node.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Enqueue schedules msg for delivery without blocking.
func (s *session) Enqueue(msg *Message) error {
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("peer %s shutting down", s.addr)
	default:
	}

	select {
	case s.outbound <- msg:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("peer %s shutting down", s.addr)
	default:
		return errQueueFull
	}
}

func (s *session) readLoop() {
	defer s.node.wg.Done()
	maxBytes := s.node.cfg.MaxMessageBytes
	for {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.node.cfg.ReadTimeout)); err != nil {
			s.terminate(fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := readLine(s.reader, maxBytes)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, ErrInvalidPayload):
				s.terminate(err)
			case errors.As(err, &ne) && ne.Timeout():
				s.terminate(fmt.Errorf("peer %s read timeout", s.addr))
			case errors.Is(err, io.EOF):
				s.terminate(io.EOF)
			default:
				s.terminate(fmt.Errorf("read error: %w", err))
			}
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > maxBytes {
			s.terminate(fmt.Errorf("%w: message exceeds max size (%d bytes)", ErrInvalidPayload, len(trimmed)))
			return
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			s.terminate(fmt.Errorf("%w: malformed message: %v", ErrInvalidPayload, err))
			return
		}
		s.node.book.Touch(s.addr)
		if err := s.node.handleMessage(s, &msg); err != nil {
			s.node.log().Debug("dropping peer message",
				logging.MaskField("peer_address", s.addr.String()),
				slog.String("type", fmt.Sprintf("0x%02x", msg.Type)),
				slog.Any("error", err))
		}
	}
}

func (s *session) writeLoop() {
	defer s.node.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbound:
			ctx, cancel := context.WithTimeout(s.ctx, s.node.cfg.WriteTimeout)
			err := s.writeMessage(ctx, msg)
			cancel()
			if err != nil {
				s.terminate(fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

func (s *session) writeMessage(ctx context.Context, msg *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(ctx, s.conn, msg)
}

// disconnect tells the peer why it is being dropped, then closes the session.
func (s *session) disconnect(reason string) {
	if msg, err := newMessage(MsgTypeDisconnect, ReasonPayload{Reason: reason}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.node.cfg.WriteTimeout)
		_ = s.writeMessage(ctx, msg)
		cancel()
	}
	s.terminate(fmt.Errorf("disconnected: %s", reason))
}

func (s *session) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		close(s.closed)
		s.node.removeSession(s, reason)
	})
}
