package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers   *prometheus.GaugeVec
	dials   *prometheus.CounterVec
	inbound *prometheus.CounterVec
	pex     *prometheus.CounterVec
	pruned  *prometheus.CounterVec
	evicted *prometheus.CounterVec
	ticks   *prometheus.CounterVec

	dialCounter  metric.Int64Counter
	tickCounter  metric.Int64Counter
	tickDuration metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "snarkos_p2p_peers",
				Help: "Peer book population by connection state.",
			}, []string{"node", "state"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_dials_total",
				Help: "Outbound connection attempts by result.",
			}, []string{"node", "result"}),
			inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_inbound_total",
				Help: "Inbound connection attempts by result.",
			}, []string{"node", "result"}),
			pex: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_pex_messages_total",
				Help: "Peer exchange messages by direction and type.",
			}, []string{"node", "direction", "type"}),
			pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_pruned_total",
				Help: "Peers disconnected for exceeding max peers.",
			}, []string{"node"}),
			evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_evicted_total",
				Help: "Stale peer records evicted from the peer book.",
			}, []string{"node"}),
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "snarkos_p2p_sync_ticks_total",
				Help: "Peer synchronisation ticks executed.",
			}, []string{"node"}),
		}
		prometheus.MustRegister(nm.peers, nm.dials, nm.inbound, nm.pex, nm.pruned, nm.evicted, nm.ticks)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("snarkos/p2p")
	fallback := noop.NewMeterProvider().Meter("snarkos/p2p")
	dials, err := meter.Int64Counter("p2p.dials")
	if err != nil {
		dials, _ = fallback.Int64Counter("p2p.dials")
	}
	ticks, err := meter.Int64Counter("p2p.sync.ticks")
	if err != nil {
		ticks, _ = fallback.Int64Counter("p2p.sync.ticks")
	}
	duration, err := meter.Float64Histogram("p2p.sync.tick_duration_ms")
	if err != nil {
		duration, _ = fallback.Float64Histogram("p2p.sync.tick_duration_ms")
	}
	m.dialCounter = dials
	m.tickCounter = ticks
	m.tickDuration = duration
}

// nodeMetrics scopes the shared vectors to one local node.
type nodeMetrics struct {
	shared *networkMetrics
	node   string
}

func newNodeMetrics(nodeID string) *nodeMetrics {
	label := nodeID
	if len(label) > 12 {
		label = label[:12]
	}
	return &nodeMetrics{shared: newNetworkMetrics(), node: label}
}

func (m *nodeMetrics) observeCounts(counts PeerCounts) {
	if m == nil {
		return
	}
	m.shared.peers.WithLabelValues(m.node, "known").Set(float64(counts.Known))
	m.shared.peers.WithLabelValues(m.node, "candidate").Set(float64(counts.Candidates))
	m.shared.peers.WithLabelValues(m.node, "pending").Set(float64(counts.Pending))
	m.shared.peers.WithLabelValues(m.node, "connected").Set(float64(counts.Connected))
	m.shared.peers.WithLabelValues(m.node, "active").Set(float64(counts.Active))
}

func (m *nodeMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.shared.dials.WithLabelValues(m.node, result).Inc()
	m.shared.dialCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *nodeMetrics) recordInbound(result string) {
	if m == nil {
		return
	}
	m.shared.inbound.WithLabelValues(m.node, result).Inc()
}

func (m *nodeMetrics) recordPex(direction string, msgType byte) {
	if m == nil {
		return
	}
	m.shared.pex.WithLabelValues(m.node, direction, fmt.Sprintf("0x%02x", msgType)).Inc()
}

func (m *nodeMetrics) recordPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.shared.pruned.WithLabelValues(m.node).Add(float64(n))
}

func (m *nodeMetrics) recordEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.shared.evicted.WithLabelValues(m.node).Add(float64(n))
}

func (m *nodeMetrics) recordTick(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.shared.ticks.WithLabelValues(m.node).Inc()
	m.shared.tickCounter.Add(context.Background(), 1)
	m.shared.tickDuration.Record(context.Background(), float64(elapsed)/float64(time.Millisecond))
}

// release drops the per-node series once the node shuts down.
func (m *nodeMetrics) release() {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"node": m.node}
	m.shared.peers.DeletePartialMatch(labels)
	m.shared.dials.DeletePartialMatch(labels)
	m.shared.inbound.DeletePartialMatch(labels)
	m.shared.pex.DeletePartialMatch(labels)
	m.shared.pruned.DeletePartialMatch(labels)
	m.shared.evicted.DeletePartialMatch(labels)
	m.shared.ticks.DeletePartialMatch(labels)
}
