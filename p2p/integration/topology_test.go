package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxuchen/snarkOS/p2p"
	"github.com/hxuchen/snarkOS/p2p/p2ptest"
)

const (
	networkSize = 25
	minPeers    = 5
	maxPeers    = 30
	pollEvery   = 200 * time.Millisecond
)

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("multi-node topology test")
	}
}

func activePeers(node *p2p.Node) uint32 {
	return node.PeerBook().ActivePeerCount()
}

func TestSpawnNodesInALine(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, p2ptest.DefaultTestSetup())
	p2ptest.ConnectNodes(t, nodes, p2ptest.Line)
	p2ptest.StartNodes(t, nodes)

	first, last := nodes[0], nodes[len(nodes)-1]
	require.Eventually(t, func() bool { return activePeers(first) == 1 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return activePeers(last) == 1 }, 5*time.Second, 50*time.Millisecond)
	for _, node := range nodes[1 : len(nodes)-1] {
		require.Eventually(t, func() bool { return activePeers(node) == 2 }, 5*time.Second, 50*time.Millisecond)
	}
}

func TestSpawnNodesInARing(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, p2ptest.DefaultTestSetup())
	p2ptest.ConnectNodes(t, nodes, p2ptest.Ring)
	p2ptest.StartNodes(t, nodes)

	for _, node := range nodes {
		require.Eventually(t, func() bool { return activePeers(node) == 2 }, 5*time.Second, 50*time.Millisecond)
	}
}

func TestSpawnNodesInAStar(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, p2ptest.DefaultTestSetup())
	p2ptest.ConnectNodes(t, nodes, p2ptest.Star)
	p2ptest.StartNodes(t, nodes)

	hub := nodes[0]
	require.Eventually(t, func() bool { return int(activePeers(hub)) == networkSize-1 }, 10*time.Second, 50*time.Millisecond)
	for _, leaf := range nodes[1:] {
		require.Eventually(t, func() bool { return activePeers(leaf) == 1 }, 5*time.Second, 50*time.Millisecond)
	}
}

func requireMeshed(t *testing.T, nodes []*p2p.Node, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p2ptest.NetworkDensity(nodes) >= 0.2
	}, within, pollEvery, "density stayed below 0.2")
	require.Eventually(t, func() bool {
		return p2ptest.DegreeCentralityDelta(nodes) <= maxPeers-minPeers
	}, within, pollEvery, "degree spread exceeded max-min")
	for _, node := range nodes {
		require.LessOrEqual(t, node.PeerBook().ActivePeerCount(), node.PeerBook().ConnectedPeerCount())
		require.LessOrEqual(t, node.PeerBook().ConnectedPeerCount(), uint32(maxPeers))
	}
}

func meshSetup(interval time.Duration) p2ptest.TestSetup {
	setup := p2ptest.DefaultTestSetup()
	setup.PeerSyncInterval = interval
	setup.MinPeers = minPeers
	setup.MaxPeers = maxPeers
	return setup
}

func TestSpawnNodesInAMesh(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, meshSetup(5*time.Second))
	p2ptest.ConnectNodes(t, nodes, p2ptest.Mesh)
	p2ptest.StartNodes(t, nodes)

	requireMeshed(t, nodes, 15*time.Second)
}

func TestLineConvergesToMesh(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, meshSetup(time.Second))
	p2ptest.ConnectNodes(t, nodes, p2ptest.Line)
	p2ptest.StartNodes(t, nodes)

	requireMeshed(t, nodes, 10*time.Second)
}

func TestRingConvergesToMesh(t *testing.T) {
	skipShort(t)
	nodes := p2ptest.NewNodes(t, networkSize, meshSetup(time.Second))
	p2ptest.ConnectNodes(t, nodes, p2ptest.Ring)
	p2ptest.StartNodes(t, nodes)

	requireMeshed(t, nodes, 10*time.Second)
}

func TestStarConvergesToMesh(t *testing.T) {
	skipShort(t)
	tests := []struct {
		name        string
		hubBootnode bool
	}{
		{name: "bootnode hub", hubBootnode: true},
		{name: "regular hub", hubBootnode: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := meshSetup(time.Second)
			hubSetup := setup
			hubSetup.IsBootnode = tt.hubBootnode

			// Leaves only know the hub and learn each other through its peer exchange.
			nodes := []*p2p.Node{p2ptest.NewNode(t, hubSetup)}
			nodes = append(nodes, p2ptest.NewNodes(t, networkSize-1, setup)...)
			p2ptest.ConnectNodes(t, nodes, p2ptest.Star)
			p2ptest.StartNodes(t, nodes)

			requireMeshed(t, nodes, 15*time.Second)
			require.Equal(t, tt.hubBootnode, nodes[0].Status().IsBootnode)
		})
	}
}

func TestInboundBurstRespectsMaxPeers(t *testing.T) {
	skipShort(t)
	const (
		limit   = 4
		dialers = 12
	)
	targetSetup := p2ptest.DefaultTestSetup()
	targetSetup.MinPeers = 0
	targetSetup.MaxPeers = limit
	target := p2ptest.NewNode(t, targetSetup)
	_, err := target.StartServices()
	require.NoError(t, err)

	dialerSetup := p2ptest.DefaultTestSetup()
	dialerSetup.MinPeers = 0
	peers := p2ptest.NewNodes(t, dialers, dialerSetup)

	var (
		overflow atomic.Bool
		stop     = make(chan struct{})
		sampled  sync.WaitGroup
	)
	sampled.Add(1)
	go func() {
		defer sampled.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if target.PeerBook().ConnectedPeerCount() > limit {
				overflow.Store(true)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		refused   atomic.Int32
		start     = make(chan struct{})
		addr      = target.ListenAddress().String()
		otherErrs = make(chan error, dialers)
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer *p2p.Node) {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			switch err := peer.Connect(ctx, addr); {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, p2p.ErrCapacityExceeded):
				refused.Add(1)
			default:
				otherErrs <- err
			}
		}(peer)
	}
	close(start)
	wg.Wait()
	close(otherErrs)

	require.Eventually(t, func() bool {
		return target.PeerBook().ConnectedPeerCount() == limit
	}, 5*time.Second, 20*time.Millisecond)
	close(stop)
	sampled.Wait()

	for err := range otherErrs {
		require.NoError(t, err)
	}
	require.False(t, overflow.Load(), "connected count exceeded max peers")
	require.EqualValues(t, limit, accepted.Load())
	require.EqualValues(t, dialers-limit, refused.Load())
	require.LessOrEqual(t, target.PeerBook().Counts().Connected, limit)
}

func TestStartServicesIsIdempotent(t *testing.T) {
	nodes := p2ptest.NewNodes(t, 2, p2ptest.DefaultTestSetup())
	p2ptest.ConnectNodes(t, nodes, p2ptest.Line)

	first, err := nodes[0].StartServices()
	require.NoError(t, err)
	second, err := nodes[0].StartServices()
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, []string{"acceptor", "peer_sync"}, first.Tasks())

	_, err = nodes[1].StartServices()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return activePeers(nodes[0]) == 1 && activePeers(nodes[1]) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, p2ptest.TotalConnectionCount(nodes))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, nodes[0].Shutdown(ctx))
	<-first.Done()
	require.Zero(t, nodes[0].PeerBook().ConnectedPeerCount())
	require.Eventually(t, func() bool { return activePeers(nodes[1]) == 0 }, 5*time.Second, 20*time.Millisecond)
}
