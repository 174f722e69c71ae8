package p2p

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PexRequestPayload asks a peer for addresses it knows.
type PexRequestPayload struct {
	Limit int    `json:"limit"`
	Token string `json:"token"`
}

// PexAddress captures a gossipable peer endpoint.
type PexAddress struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"nodeID,omitempty"`
	Bootnode bool      `json:"bootnode,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// PexAddressesPayload contains the set of addresses returned for a request.
type PexAddressesPayload struct {
	Token     string       `json:"token"`
	Addresses []PexAddress `json:"addresses"`
}

type pexPeer interface {
	Address() PeerAddress
	Enqueue(msg *Message) error
}

// pexManager runs the peer exchange: it asks active peers for addresses and
// merges the answers into the peer book as candidates.
type pexManager struct {
	book         *PeerBook
	rng          Rand
	maxAddresses int
	metrics      *nodeMetrics
	logger       *slog.Logger

	// token -> peer the request was sent to
	pending *lru.Cache[string, PeerAddress]
}

func newPexManager(book *PeerBook, rng Rand, maxAddresses int, metrics *nodeMetrics, logger *slog.Logger) (*pexManager, error) {
	if maxAddresses <= 0 {
		maxAddresses = defaultPexMaxAddresses
	}
	pending, err := lru.New[string, PeerAddress](defaultPexPendingTokens)
	if err != nil {
		return nil, fmt.Errorf("pex token cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &pexManager{
		book:         book,
		rng:          rng,
		maxAddresses: maxAddresses,
		metrics:      metrics,
		logger:       logger.With(slog.String("component", "p2p_pex")),
		pending:      pending,
	}, nil
}

// request sends a GetPeers to peer and remembers its token.
func (m *pexManager) request(peer pexPeer) error {
	token := uuid.NewString()
	msg, err := newMessage(MsgTypeGetPeers, PexRequestPayload{Limit: m.maxAddresses, Token: token})
	if err != nil {
		return err
	}
	m.pending.Add(token, peer.Address())
	if err := peer.Enqueue(msg); err != nil {
		m.pending.Remove(token)
		return err
	}
	m.metrics.recordPex("out", MsgTypeGetPeers)
	return nil
}

// handleRequest answers a GetPeers with a uniform sample of known, non-stale
// records, excluding the requester itself.
func (m *pexManager) handleRequest(peer pexPeer, req PexRequestPayload) error {
	if req.Token == "" {
		return fmt.Errorf("%w: pex request without token", ErrInvalidPayload)
	}
	m.metrics.recordPex("in", MsgTypeGetPeers)
	limit := req.Limit
	if limit <= 0 || limit > m.maxAddresses {
		limit = m.maxAddresses
	}
	requester := peer.Address()
	records := m.book.Snapshot()
	eligible := make([]PeerRecord, 0, len(records))
	for _, rec := range records {
		if rec.Address == requester || rec.Failures >= m.book.MaxFailures() {
			continue
		}
		eligible = append(eligible, rec)
	}
	m.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	payload := PexAddressesPayload{Token: req.Token, Addresses: make([]PexAddress, 0, len(eligible))}
	for _, rec := range eligible {
		payload.Addresses = append(payload.Addresses, PexAddress{
			Addr:     rec.Address.String(),
			NodeID:   rec.NodeID,
			Bootnode: rec.IsBootnode,
			LastSeen: rec.LastSeen,
		})
	}
	msg, err := newMessage(MsgTypePeers, payload)
	if err != nil {
		return err
	}
	if err := peer.Enqueue(msg); err != nil {
		return err
	}
	m.metrics.recordPex("out", MsgTypePeers)
	return nil
}

// handleResponse merges a solicited Peers message and returns how many new
// records it created. Unsolicited or foreign-token responses are rejected.
func (m *pexManager) handleResponse(peer pexPeer, resp PexAddressesPayload) (int, error) {
	expected, ok := m.pending.Peek(resp.Token)
	if !ok || expected != peer.Address() {
		return 0, fmt.Errorf("%w: unsolicited peer list", ErrInvalidPayload)
	}
	m.pending.Remove(resp.Token)
	m.metrics.recordPex("in", MsgTypePeers)

	addresses := resp.Addresses
	if len(addresses) > m.maxAddresses {
		addresses = addresses[:m.maxAddresses]
	}
	added := 0
	for _, entry := range addresses {
		addr, err := ParsePeerAddress(entry.Addr)
		if err != nil || m.book.IsSelf(addr) {
			continue
		}
		_, known := m.book.Get(addr)
		if err := m.book.Upsert(addr, StatusDisconnected, entry.Bootnode); err != nil {
			m.logger.Debug("skipping gossiped address", slog.Any("error", err))
			continue
		}
		if !known {
			added++
		}
	}
	return added, nil
}
