package p2p

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// Transport opens the byte streams sessions run over.
type Transport interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPTransport is the default Transport.
type TCPTransport struct {
	KeepAlive time.Duration
}

func (t TCPTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	return lc.Listen(ctx, "tcp", addr)
}

func (t TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, "tcp", addr)
}

// Authenticator is consulted once a handshake completes; an error keeps the
// peer out of the Active state and closes the connection.
type Authenticator interface {
	Authenticate(ctx context.Context, peer PeerHello) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, peer PeerHello) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, peer PeerHello) error {
	return f(ctx, peer)
}

// AllowAll accepts every peer that passed the handshake.
var AllowAll Authenticator = AuthenticatorFunc(func(context.Context, PeerHello) error { return nil })

// Rand is the randomness source for peer selection. Implementations must be
// safe for concurrent use.
type Rand interface {
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a concurrency-safe Rand seeded with seed.
func NewRand(seed uint64) Rand {
	return &lockedRand{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func newDefaultRand() Rand {
	return &lockedRand{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (r *lockedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

func (r *lockedRand) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng.Shuffle(n, swap)
}
