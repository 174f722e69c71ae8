// Package p2ptest builds small in-process networks of p2p nodes wired into
// seed topologies and measures how they converge.
package p2ptest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hxuchen/snarkOS/p2p"
)

// TestSetup describes the topology limits every node in a test network uses.
type TestSetup struct {
	PeerSyncInterval time.Duration
	MinPeers         uint16
	MaxPeers         uint16
	IsBootnode       bool
	Bootnodes        []string
}

// DefaultTestSetup keeps the seed topology intact: one peer satisfies the
// minimum and the ceiling is far above any test network size.
func DefaultTestSetup() TestSetup {
	return TestSetup{
		PeerSyncInterval: time.Second,
		MinPeers:         1,
		MaxPeers:         50,
	}
}

// TestConfig returns a loopback node configuration for setup.
func TestConfig(setup TestSetup) p2p.Config {
	return p2p.Config{
		ListenAddress: "127.0.0.1:0",
		NetworkID:     0x5eed,
		ClientVersion: "snarkos-go/test",
		Topology: p2p.TopologyConfig{
			MinPeers:         setup.MinPeers,
			MaxPeers:         setup.MaxPeers,
			PeerSyncInterval: setup.PeerSyncInterval,
			IsBootnode:       setup.IsBootnode,
		},
		Bootnodes:        append([]string(nil), setup.Bootnodes...),
		DialTimeout:      3 * time.Second,
		HandshakeTimeout: 3 * time.Second,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       time.Second,
		PexRequestRate:   50,
		PexRequestBurst:  50,
	}
}

// DiscardLogger swallows node output so test logs stay readable.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewNode builds a listening node for setup and shuts it down when the test
// ends.
func NewNode(t testing.TB, setup TestSetup, opts ...p2p.Option) *p2p.Node {
	t.Helper()
	opts = append([]p2p.Option{p2p.WithLogger(DiscardLogger())}, opts...)
	node, err := p2p.NewNode(TestConfig(setup), opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Shutdown(ctx); err != nil {
			t.Logf("shutdown %s: %v", node.ListenAddress(), err)
		}
	})
	if err := node.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return node
}

// NewNodes builds n listening nodes sharing setup.
func NewNodes(t testing.TB, n int, setup TestSetup) []*p2p.Node {
	t.Helper()
	nodes := make([]*p2p.Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, NewNode(t, setup))
	}
	return nodes
}

// StartNodes starts services on every node with a short stagger so their
// sync ticks are not in phase.
func StartNodes(t testing.TB, nodes []*p2p.Node) {
	t.Helper()
	for _, node := range nodes {
		time.Sleep(10 * time.Millisecond)
		if _, err := node.StartServices(); err != nil {
			t.Fatalf("start services: %v", err)
		}
	}
}
