package p2p

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func waitFailures(t *testing.T, book *PeerBook, addrs []PeerAddress, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, addr := range addrs {
			rec, ok := book.Get(addr)
			if !ok || rec.Failures != want || rec.Status != StatusDisconnected {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncTickDialsBacksOffAndEvicts(t *testing.T) {
	clk := clock.NewMock()
	transport := &refusingTransport{}
	cfg := testConfig()
	cfg.Topology.MinPeers = 2
	n := newTestNode(t, cfg, WithClock(clk), WithTransport(transport), WithRand(NewRand(1)))

	var addrs []PeerAddress
	for i := 1; i <= 2; i++ {
		addr := PeerAddress(fmt.Sprintf("10.30.0.%d:4130", i))
		require.NoError(t, n.PeerBook().Upsert(addr, StatusDisconnected, false))
		addrs = append(addrs, addr)
	}

	report := n.manager.tick()
	require.Equal(t, 2, report.Dialed)
	waitFailures(t, n.PeerBook(), addrs, 1)

	// Still inside the one second backoff.
	require.Zero(t, n.manager.tick().Dialed)

	clk.Add(time.Second)
	require.Equal(t, 2, n.manager.tick().Dialed)
	waitFailures(t, n.PeerBook(), addrs, 2)

	clk.Add(2 * time.Second)
	evicted := 0
	report = n.manager.tick()
	require.Equal(t, 2, report.Dialed)
	evicted += report.Evicted
	// Fast failures may already have been evicted by this tick.
	require.Eventually(t, func() bool {
		for _, addr := range addrs {
			if rec, ok := n.PeerBook().Get(addr); ok && (rec.Failures != 3 || rec.Status != StatusDisconnected) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	report = n.manager.tick()
	require.Zero(t, report.Dialed, "stale candidates are never dialed")
	evicted += report.Evicted
	require.Equal(t, 2, evicted)
	require.Zero(t, n.PeerBook().KnownPeerCount())
	require.EqualValues(t, 6, transport.dials.Load())
}

func TestSyncTickKeepsPersistentAndConfiguredBootnodeRecords(t *testing.T) {
	clk := clock.NewMock()
	transport := &refusingTransport{}
	cfg := testConfig()
	cfg.Topology.MinPeers = 2
	cfg.Bootnodes = []string{"10.31.0.1:4130"}
	cfg.PersistentPeers = []string{"10.31.0.2:4130"}
	n := newTestNode(t, cfg, WithClock(clk), WithTransport(transport))
	addrs := []PeerAddress{"10.31.0.1:4130", "10.31.0.2:4130"}

	for i := 1; i <= 3; i++ {
		n.manager.tick()
		waitFailures(t, n.PeerBook(), addrs, i)
		clk.Add(time.Minute)
	}
	require.Equal(t, 2, n.PeerBook().KnownPeerCount())
	require.Empty(t, n.PeerBook().StaleCandidates())
	rec, _ := n.PeerBook().Get(addrs[0])
	require.True(t, rec.Configured)

	// The bootnode is stale for random selection, the persistent peer is not.
	require.True(t, n.PeerBook().IsStale(addrs[0]))
	require.Equal(t, []PeerAddress{addrs[1]}, n.admission.PlanPersistent())
}

func TestSyncLoopRunsOnClockTicks(t *testing.T) {
	clk := clock.NewMock()
	transport := &refusingTransport{}
	cfg := testConfig()
	cfg.Topology.MinPeers = 1
	cfg.Topology.PeerSyncInterval = 10 * time.Second
	cfg.PersistentPeers = []string{"10.32.0.1:4130"}
	n := newTestNode(t, cfg, WithClock(clk), WithTransport(transport))
	require.NoError(t, n.Listen(context.Background()))
	_, err := n.StartServices()
	require.NoError(t, err)

	// The first tick runs immediately.
	require.Eventually(t, func() bool { return transport.dials.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitFailures(t, n.PeerBook(), []PeerAddress{"10.32.0.1:4130"}, 1)

	// Give the loop a moment to park on the ticker before advancing.
	time.Sleep(20 * time.Millisecond)
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return transport.dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}
