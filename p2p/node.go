package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/hxuchen/snarkOS/observability/logging"
)

// Option customises a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	transport Transport
	rng       Rand
	clock     clock.Clock
	logger    *slog.Logger
	auth      Authenticator
	store     RecordStore
	identity  *Identity
}

// WithTransport replaces the TCP transport.
func WithTransport(t Transport) Option { return func(o *nodeOptions) { o.transport = t } }

// WithRand injects the randomness used for peer selection.
func WithRand(r Rand) Option { return func(o *nodeOptions) { o.rng = r } }

// WithClock injects the clock driving the sync scheduler and backoff.
func WithClock(c clock.Clock) Option { return func(o *nodeOptions) { o.clock = c } }

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(o *nodeOptions) { o.logger = l } }

// WithAuthenticator sets the post-handshake authenticator.
func WithAuthenticator(a Authenticator) Option { return func(o *nodeOptions) { o.auth = a } }

// WithRecordStore persists the peer book in store instead of the default location.
func WithRecordStore(store RecordStore) Option { return func(o *nodeOptions) { o.store = store } }

// WithIdentity fixes the node identity.
func WithIdentity(id *Identity) Option { return func(o *nodeOptions) { o.identity = id } }

// NetworkStatus is a point-in-time summary of the node.
type NetworkStatus struct {
	NodeID           string        `json:"nodeId"`
	ListenAddress    string        `json:"listenAddress"`
	IsBootnode       bool          `json:"bootnode"`
	MinPeers         uint16        `json:"minPeers"`
	MaxPeers         uint16        `json:"maxPeers"`
	PeerSyncInterval time.Duration `json:"peerSyncInterval"`
	ServicesRunning  bool          `json:"servicesRunning"`
	Peers            PeerCounts    `json:"peers"`
}

// Services is the handle to the background tasks started by StartServices.
type Services struct {
	tasks []string
	done  chan struct{}
	err   error
}

// Tasks names the running background tasks.
func (s *Services) Tasks() []string {
	return append([]string(nil), s.tasks...)
}

// Done is closed once every task has exited.
func (s *Services) Done() <-chan struct{} {
	return s.done
}

// Err returns the first task error after Done is closed.
func (s *Services) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Node is the peer connection manager of a single blockchain node.
type Node struct {
	cfg       Config
	identity  *Identity
	book      *PeerBook
	admission *AdmissionController
	pex       *pexManager
	manager   *connManager
	hellos    *nonceGuard
	transport Transport
	auth      Authenticator
	clock     clock.Clock
	metrics   *nodeMetrics
	logger    *slog.Logger

	// ctx scopes every connection task; Shutdown cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	spawnMu sync.RWMutex

	listenPort atomic.Uint32

	mu         sync.Mutex
	listener   net.Listener
	listenAddr PeerAddress
	services   *Services
	closed     bool

	sessionsMu sync.RWMutex
	sessions   map[PeerAddress]*session
}

// NewNode validates cfg and assembles a node. It neither binds nor dials.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := nodeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = TCPTransport{KeepAlive: 30 * time.Second}
	}
	if o.rng == nil {
		o.rng = newDefaultRand()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.auth == nil {
		o.auth = AllowAll
	}

	identity := o.identity
	if identity == nil {
		var err error
		if cfg.DataDir != "" {
			identity, err = LoadOrCreateIdentity(filepath.Join(cfg.DataDir, "p2p", "node.key"))
		} else {
			identity, err = NewIdentity()
		}
		if err != nil {
			return nil, err
		}
	}

	store := o.store
	if store == nil && cfg.DataDir != "" {
		ps, err := NewPeerstore(filepath.Join(cfg.DataDir, "p2p", "peerstore"))
		if err != nil {
			return nil, err
		}
		store = ps
	}

	book, err := NewPeerBook(PeerBookOptions{
		Clock:         o.clock,
		Store:         store,
		MaxFailures:   cfg.MaxFailures,
		BaseBackoff:   cfg.BaseBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		MaxKnownPeers: cfg.MaxKnownPeers,
		Logger:        o.logger,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	admission, err := NewAdmissionController(book, cfg.Topology, o.rng)
	if err != nil {
		_ = book.Close()
		return nil, err
	}
	metrics := newNodeMetrics(identity.NodeID)
	pex, err := newPexManager(book, o.rng, cfg.PexMaxAddresses, metrics, o.logger)
	if err != nil {
		_ = book.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		identity:  identity,
		book:      book,
		admission: admission,
		pex:       pex,
		hellos:    newNonceGuard(defaultNonceGuardTTL, o.clock),
		transport: o.transport,
		auth:      o.auth,
		clock:     o.clock,
		metrics:   metrics,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[PeerAddress]*session),
	}
	n.manager = newConnManager(n)

	if err := n.AddBootnodes(cfg.Bootnodes...); err != nil {
		cancel()
		_ = book.Close()
		return nil, err
	}
	if err := n.AddPersistentPeers(cfg.PersistentPeers...); err != nil {
		cancel()
		_ = book.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) log() *slog.Logger {
	return n.logger.With(slog.String("component", "p2p_node"))
}

// Listen binds the listening socket. Calling it again after success is a no-op.
func (n *Node) Listen(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.listener != nil {
		return nil
	}
	ln, err := n.transport.Listen(ctx, n.cfg.ListenAddress)
	if err != nil {
		return &BindError{Addr: n.cfg.ListenAddress, Err: err}
	}
	addr, err := ParsePeerAddress(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return &BindError{Addr: n.cfg.ListenAddress, Err: err}
	}
	n.listener = ln
	n.listenAddr = addr
	n.listenPort.Store(uint32(addr.Port()))
	n.book.MarkSelf(addr)
	if ip := net.ParseIP(addr.Host()); ip != nil && ip.IsUnspecified() {
		loopback, _ := ParsePeerAddress(net.JoinHostPort("127.0.0.1", fmt.Sprint(addr.Port())))
		n.book.MarkSelf(loopback)
	}
	n.log().Info("p2p listening", logging.MaskField("listen_address", addr.String()))
	return nil
}

// StartServices launches the acceptor and the sync scheduler. It is idempotent:
// later calls return the handle created by the first.
func (n *Node) StartServices() (*Services, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	if n.services != nil {
		return n.services, nil
	}
	if n.listener == nil {
		return nil, ErrNotListening
	}

	ctx, cancel := context.WithCancel(n.ctx)
	g, gctx := errgroup.WithContext(ctx)
	ln := n.listener
	g.Go(func() error { return n.acceptLoop(gctx, ln) })
	g.Go(func() error { return n.manager.run(gctx) })

	svc := &Services{
		tasks: []string{"acceptor", "peer_sync"},
		done:  make(chan struct{}),
	}
	go func() {
		svc.err = g.Wait()
		cancel()
		close(svc.done)
	}()
	n.services = svc
	n.log().Info("p2p services started",
		slog.Int("min_peers", int(n.admission.Limits().MinPeers)),
		slog.Int("max_peers", int(n.admission.Limits().MaxPeers)),
		slog.Duration("peer_sync_interval", n.cfg.Topology.PeerSyncInterval))
	return svc, nil
}

// Shutdown stops the services, closes every connection and waits for all
// connection tasks. Every peer ends Disconnected.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	ln := n.listener
	svc := n.services
	n.mu.Unlock()

	n.cancel()
	// Fence: no task may be spawned once this returns.
	n.spawnMu.Lock()
	n.spawnMu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	for _, s := range n.sessionSnapshot() {
		s.disconnect("shutdown")
	}
	if svc != nil {
		select {
		case <-svc.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	n.book.DisconnectAll()
	n.metrics.release()
	if err := n.book.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer store: %w", err))
	}
	n.log().Info("p2p node stopped")
	return errors.Join(errs...)
}

// spawn runs fn as a tracked connection task unless the node is shutting down.
func (n *Node) spawn(fn func()) bool {
	n.spawnMu.RLock()
	defer n.spawnMu.RUnlock()
	if n.ctx.Err() != nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Connect dials addr immediately, subject to admission.
func (n *Node) Connect(ctx context.Context, raw string) error {
	addr, err := ParsePeerAddress(raw)
	if err != nil {
		return err
	}
	if n.ctx.Err() != nil {
		return ErrNodeClosed
	}
	if err := n.admission.ReserveOutbound(addr); err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}
	result := make(chan error, 1)
	if !n.spawn(func() { result <- n.dial(n.ctx, addr) }) {
		n.release(addr)
		return ErrNodeClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddBootnodes records addrs as configured bootnode candidates. Unlike
// bootnodes learned from peer exchange they are never evicted.
func (n *Node) AddBootnodes(addrs ...string) error {
	parsed, err := parseAddressList(addrs)
	if err != nil {
		return fmt.Errorf("%w: bootnodes: %v", ErrInvalidConfig, err)
	}
	for _, addr := range parsed {
		if err := n.book.AddConfiguredBootnode(addr); err != nil {
			return err
		}
	}
	return nil
}

// AddPersistentPeers records addrs as peers the scheduler keeps connected.
func (n *Node) AddPersistentPeers(addrs ...string) error {
	parsed, err := parseAddressList(addrs)
	if err != nil {
		return fmt.Errorf("%w: persistent peers: %v", ErrInvalidConfig, err)
	}
	var errs []error
	for _, addr := range parsed {
		if err := n.book.SetPersistent(addr, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetPeerLimits updates min/max peers at runtime.
func (n *Node) SetPeerLimits(minPeers, maxPeers uint16) error {
	if err := n.admission.SetLimits(minPeers, maxPeers); err != nil {
		return err
	}
	n.log().Info("peer limits updated", slog.Int("min_peers", int(minPeers)), slog.Int("max_peers", int(maxPeers)))
	return nil
}

// PeerBook exposes the node's peer registry.
func (n *Node) PeerBook() *PeerBook {
	return n.book
}

// Peers returns a snapshot of every peer record.
func (n *Node) Peers() []PeerRecord {
	return n.book.Snapshot()
}

// NodeID returns the local node identifier.
func (n *Node) NodeID() string {
	return n.identity.NodeID
}

// ListenAddress returns the bound address, or "" before Listen.
func (n *Node) ListenAddress() PeerAddress {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listenAddr
}

// Limits returns the current topology limits.
func (n *Node) Limits() TopologyConfig {
	return n.admission.Limits()
}

// Status summarises the node for operators.
func (n *Node) Status() NetworkStatus {
	limits := n.admission.Limits()
	n.mu.Lock()
	running := n.services != nil && !n.closed
	listen := n.listenAddr
	n.mu.Unlock()
	return NetworkStatus{
		NodeID:           n.identity.NodeID,
		ListenAddress:    listen.String(),
		IsBootnode:       limits.IsBootnode,
		MinPeers:         limits.MinPeers,
		MaxPeers:         limits.MaxPeers,
		PeerSyncInterval: limits.PeerSyncInterval,
		ServicesRunning:  running,
		Peers:            n.book.Counts(),
	}
}
