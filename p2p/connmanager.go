package p2p

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hxuchen/snarkOS/observability/logging"
)

// tickReport summarises one synchronisation tick.
type tickReport struct {
	Requested int
	Dialed    int
	Pruned    int
	Evicted   int
}

// connManager is the peer synchronisation scheduler. Every tick it runs, in
// order: discovery, outbound admission, pruning and stale eviction.
type connManager struct {
	node     *Node
	clock    clock.Clock
	interval time.Duration
}

func newConnManager(n *Node) *connManager {
	return &connManager{
		node:     n,
		clock:    n.clock,
		interval: n.cfg.Topology.PeerSyncInterval,
	}
}

// run ticks immediately, then every interval until ctx is cancelled.
func (m *connManager) run(ctx context.Context) error {
	m.tick()
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			m.tick()
		}
	}
}

func (m *connManager) tick() tickReport {
	n := m.node
	started := m.clock.Now()
	var report tickReport

	report.Requested = n.requestPeers()

	dials := n.admission.PlanPersistent()
	dials = append(dials, n.admission.PlanOutbound()...)
	for _, addr := range dials {
		n.dialAsync(addr)
	}
	report.Dialed = len(dials)

	victims := n.admission.PlanPrune()
	for _, addr := range victims {
		n.log().Info("pruning peer", logging.MaskField("peer_address", addr.String()))
		n.prune(addr)
	}
	report.Pruned = len(victims)
	n.metrics.recordPruned(len(victims))

	for _, addr := range n.book.StaleCandidates() {
		if err := n.book.Evict(addr); err != nil {
			continue
		}
		report.Evicted++
	}
	n.metrics.recordEvicted(report.Evicted)

	counts := n.book.Counts()
	n.metrics.observeCounts(counts)
	n.metrics.recordTick(m.clock.Since(started))
	n.log().Debug("peer sync tick",
		slog.Int("requested", report.Requested),
		slog.Int("dialed", report.Dialed),
		slog.Int("pruned", report.Pruned),
		slog.Int("evicted", report.Evicted),
		slog.Int("connected", counts.Connected),
		slog.Int("active", counts.Active),
		slog.Int("known", counts.Known))
	return report
}
