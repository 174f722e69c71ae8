package p2ptest

import (
	"fmt"
	"testing"

	"github.com/hxuchen/snarkOS/p2p"
)

// Topology is the seed shape a test network is wired into before start.
type Topology int

const (
	// Line links node i to node i+1.
	Line Topology = iota
	// Ring is a line whose last node links back to the first.
	Ring
	// Star links every node to the first.
	Star
	// Mesh links every pair of nodes.
	Mesh
)

func (t Topology) String() string {
	switch t {
	case Line:
		return "line"
	case Ring:
		return "ring"
	case Star:
		return "star"
	case Mesh:
		return "mesh"
	default:
		return fmt.Sprintf("topology(%d)", int(t))
	}
}

// ConnectNodes seeds each node with the persistent peers topology calls for.
// Each link is dialled from one side only, so nodes must already listen.
func ConnectNodes(t testing.TB, nodes []*p2p.Node, topology Topology) {
	t.Helper()
	if len(nodes) < 2 {
		return
	}
	link := func(from, to *p2p.Node) {
		addr := to.ListenAddress()
		if addr == "" {
			t.Fatalf("node %s is not listening", to.NodeID())
		}
		if err := from.AddPersistentPeers(addr.String()); err != nil {
			t.Fatalf("link %s -> %s: %v", from.ListenAddress(), addr, err)
		}
	}
	switch topology {
	case Line, Ring:
		for i := 0; i+1 < len(nodes); i++ {
			link(nodes[i], nodes[i+1])
		}
		if topology == Ring && len(nodes) > 2 {
			link(nodes[len(nodes)-1], nodes[0])
		}
	case Star:
		hub := nodes[0]
		for _, leaf := range nodes[1:] {
			link(leaf, hub)
		}
	case Mesh:
		for i := range nodes {
			for j := i + 1; j < len(nodes); j++ {
				link(nodes[i], nodes[j])
			}
		}
	default:
		t.Fatalf("unknown topology %v", topology)
	}
}

// TotalConnectionCount is the number of undirected links in the network.
func TotalConnectionCount(nodes []*p2p.Node) int {
	var total uint32
	for _, node := range nodes {
		total += node.PeerBook().ConnectedPeerCount()
	}
	return int(total / 2)
}

// DegreeCentralityDelta is the spread between the most and the least
// connected node.
func DegreeCentralityDelta(nodes []*p2p.Node) int {
	if len(nodes) == 0 {
		return 0
	}
	lo, hi := ^uint32(0), uint32(0)
	for _, node := range nodes {
		count := node.PeerBook().ConnectedPeerCount()
		lo = min(lo, count)
		hi = max(hi, count)
	}
	return int(hi - lo)
}

// NetworkDensity is the share of possible links that exist.
func NetworkDensity(nodes []*p2p.Node) float64 {
	return p2p.CalculateDensity(float64(len(nodes)), float64(TotalConnectionCount(nodes)))
}
