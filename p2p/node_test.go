package p2p

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// refusingTransport listens normally but fails every dial.
type refusingTransport struct {
	dials atomic.Int32
}

func (t *refusingTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return TCPTransport{}.Listen(ctx, addr)
}

func (t *refusingTransport) Dial(context.Context, string) (net.Conn, error) {
	t.dials.Add(1)
	return nil, errors.New("connection refused")
}

func testConfig() Config {
	return Config{
		ListenAddress: "127.0.0.1:0",
		NetworkID:     7,
		Topology: TopologyConfig{
			MinPeers:         0,
			MaxPeers:         8,
			PeerSyncInterval: time.Hour,
		},
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T, cfg Config, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	n, err := NewNode(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func newListeningNode(t *testing.T, cfg Config, opts ...Option) *Node {
	t.Helper()
	n := newTestNode(t, cfg, opts...)
	require.NoError(t, n.Listen(context.Background()))
	_, err := n.StartServices()
	require.NoError(t, err)
	return n
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Topology.MinPeers = 9
	_, err := NewNode(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Topology.PeerSyncInterval = 0
	_, err = NewNode(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Bootnodes = []string{"nope"}
	_, err = NewNode(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestListenReportsBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.ListenAddress = taken.Addr().String()
	n := newTestNode(t, cfg)

	err = n.Listen(context.Background())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	require.ErrorIs(t, err, ErrBind)
	require.Equal(t, cfg.ListenAddress, bindErr.Addr)

	_, err = n.StartServices()
	require.ErrorIs(t, err, ErrNotListening)
}

func TestNodeLifecycle(t *testing.T) {
	n := newTestNode(t, testConfig())
	require.NoError(t, n.Listen(context.Background()))
	require.NoError(t, n.Listen(context.Background()), "second listen is a no-op")
	require.NotEmpty(t, n.ListenAddress())
	require.True(t, n.PeerBook().IsSelf(n.ListenAddress()))

	svc, err := n.StartServices()
	require.NoError(t, err)
	again, err := n.StartServices()
	require.NoError(t, err)
	require.Same(t, svc, again)
	require.True(t, n.Status().ServicesRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))
	require.NoError(t, n.Shutdown(ctx), "shutdown is idempotent")
	select {
	case <-svc.Done():
	default:
		t.Fatal("services still running after shutdown")
	}
	require.NoError(t, svc.Err())
	require.False(t, n.Status().ServicesRunning)

	_, err = n.StartServices()
	require.ErrorIs(t, err, ErrNodeClosed)
	require.ErrorIs(t, n.Listen(context.Background()), ErrNodeClosed)
	require.ErrorIs(t, n.Connect(ctx, "127.0.0.1:1"), ErrNodeClosed)
}

func TestConnectAndShutdownDisconnectsPeers(t *testing.T) {
	a := newListeningNode(t, testConfig())
	b := newListeningNode(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, b.ListenAddress().String()))

	rec, ok := a.PeerBook().Get(b.ListenAddress())
	require.True(t, ok)
	require.Equal(t, StatusActive, rec.Status)
	require.Equal(t, b.NodeID(), rec.NodeID)
	require.False(t, rec.Inbound)

	require.Eventually(t, func() bool {
		rec, ok := b.PeerBook().Get(a.ListenAddress())
		return ok && rec.Status == StatusActive && rec.Inbound && rec.NodeID == a.NodeID()
	}, 2*time.Second, 10*time.Millisecond)

	// Already connected in either direction.
	require.ErrorIs(t, a.Connect(ctx, b.ListenAddress().String()), ErrDuplicatePeer)
	require.ErrorIs(t, b.Connect(ctx, a.ListenAddress().String()), ErrDuplicatePeer)
	require.ErrorIs(t, a.Connect(ctx, a.ListenAddress().String()), ErrSelfConnection)

	require.NoError(t, a.Shutdown(ctx))
	require.Zero(t, a.PeerBook().ConnectedPeerCount())
	require.Zero(t, a.PeerBook().PendingPeerCount())
	require.Eventually(t, func() bool { return b.PeerBook().ConnectedPeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRejectsForeignNetwork(t *testing.T) {
	a := newListeningNode(t, testConfig())
	cfg := testConfig()
	cfg.NetworkID = 99
	b := newListeningNode(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Connect(ctx, b.ListenAddress().String())
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errIncompatible)

	rec, ok := a.PeerBook().Get(b.ListenAddress())
	require.True(t, ok)
	require.Equal(t, StatusDisconnected, rec.Status)
	require.Equal(t, 1, rec.Failures)
	require.Zero(t, b.PeerBook().ConnectedPeerCount())
}

func TestConnectRefusedAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Topology.MaxPeers = 1
	hub := newListeningNode(t, cfg)
	first := newListeningNode(t, testConfig())
	second := newListeningNode(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Connect(ctx, hub.ListenAddress().String()))
	err := second.Connect(ctx, hub.ListenAddress().String())
	require.ErrorIs(t, err, ErrCapacityExceeded)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, hub.ListenAddress(), connectErr.Addr)

	// A refusal is not a reachability failure.
	rec, _ := second.PeerBook().Get(hub.ListenAddress())
	require.Zero(t, rec.Failures)
	require.Equal(t, StatusDisconnected, rec.Status)
}

func TestConnectUnreachableRecordsFailure(t *testing.T) {
	transport := &refusingTransport{}
	n := newTestNode(t, testConfig(), WithTransport(transport))
	require.NoError(t, n.Listen(context.Background()))

	err := n.Connect(context.Background(), "10.255.0.1:4130")
	require.ErrorIs(t, err, ErrConnect)
	require.EqualValues(t, 1, transport.dials.Load())

	rec, ok := n.PeerBook().Get("10.255.0.1:4130")
	require.True(t, ok)
	require.Equal(t, StatusDisconnected, rec.Status)
	require.Equal(t, 1, rec.Failures)
}

func TestAuthenticatorVeto(t *testing.T) {
	veto := AuthenticatorFunc(func(_ context.Context, peer PeerHello) error {
		return errors.New("not on the allowlist")
	})
	a := newListeningNode(t, testConfig(), WithAuthenticator(veto))
	b := newListeningNode(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Connect(ctx, b.ListenAddress().String())
	require.ErrorIs(t, err, errIncompatible)
	require.Zero(t, a.PeerBook().ConnectedPeerCount())
	require.Eventually(t, func() bool { return b.PeerBook().ConnectedPeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPeerExchangeSpreadsAddresses(t *testing.T) {
	cfg := testConfig()
	cfg.Topology.PeerSyncInterval = 50 * time.Millisecond
	a := newListeningNode(t, cfg)
	b := newListeningNode(t, cfg)
	c := newListeningNode(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, b.ListenAddress().String()))
	require.NoError(t, c.Connect(ctx, b.ListenAddress().String()))

	require.Eventually(t, func() bool {
		_, aKnowsC := a.PeerBook().Get(c.ListenAddress())
		_, cKnowsA := c.PeerBook().Get(a.ListenAddress())
		return aKnowsC && cKnowsA
	}, 3*time.Second, 20*time.Millisecond)

	// MinPeers is zero, so learning an address does not trigger a dial.
	rec, _ := a.PeerBook().Get(c.ListenAddress())
	require.Equal(t, StatusDisconnected, rec.Status)
}

func TestSetPeerLimitsPrunes(t *testing.T) {
	cfg := testConfig()
	cfg.Topology.PeerSyncInterval = 50 * time.Millisecond
	hub := newListeningNode(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		leaf := newListeningNode(t, testConfig())
		require.NoError(t, leaf.Connect(ctx, hub.ListenAddress().String()))
	}
	require.Eventually(t, func() bool { return hub.PeerBook().ActivePeerCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, hub.SetPeerLimits(2, 1), ErrInvalidConfig)
	require.NoError(t, hub.SetPeerLimits(0, 1))
	require.Eventually(t, func() bool { return hub.PeerBook().ConnectedPeerCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, uint16(1), hub.Limits().MaxPeers)
}

func TestPersistentPeersAreRedialed(t *testing.T) {
	cfg := testConfig()
	cfg.Topology.PeerSyncInterval = 50 * time.Millisecond
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	a := newListeningNode(t, cfg)
	b := newListeningNode(t, cfg)

	require.NoError(t, a.AddPersistentPeers(b.ListenAddress().String()))
	require.Eventually(t, func() bool { return a.PeerBook().ActivePeerCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// Drop the session from b's side; a reconnects on its own.
	for _, s := range b.sessionSnapshot() {
		s.disconnect("test")
	}
	require.Eventually(t, func() bool {
		rec, ok := b.PeerBook().Get(a.ListenAddress())
		return ok && rec.Status == StatusActive
	}, 3*time.Second, 10*time.Millisecond)
}
