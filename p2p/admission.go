package p2p

import (
	"fmt"
	"sort"
	"sync"
)

// AdmissionController decides which connections to accept, initiate and drop.
// Every decision reserves its slot inside the peer book's critical section so
// concurrent admissions can never push occupancy past MaxPeers.
type AdmissionController struct {
	book *PeerBook
	rng  Rand

	mu     sync.RWMutex
	limits TopologyConfig
}

// NewAdmissionController validates limits and binds the controller to book.
func NewAdmissionController(book *PeerBook, limits TopologyConfig, rng Rand) (*AdmissionController, error) {
	if book == nil {
		return nil, fmt.Errorf("%w: peer book required", ErrInvalidConfig)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = newDefaultRand()
	}
	return &AdmissionController{book: book, rng: rng, limits: limits}, nil
}

// Limits returns the current topology limits.
func (a *AdmissionController) Limits() TopologyConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limits
}

// SetLimits replaces min/max peers at runtime. Lowering max causes the next
// sync tick to prune.
func (a *AdmissionController) SetLimits(minPeers, maxPeers uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.limits
	next.MinPeers = minPeers
	next.MaxPeers = maxPeers
	if err := next.Validate(); err != nil {
		return err
	}
	a.limits = next
	return nil
}

// AdmitInbound decides whether a peer that connected to us may stay: it is
// accepted while occupancy (pending plus connected) is below max_peers. On
// success the record is reserved in Handshaking and marked inbound.
func (a *AdmissionController) AdmitInbound(addr PeerAddress, nodeID string, isBootnode bool) error {
	limits := a.Limits()
	b := a.book
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.self[addr]; ok {
		return fmt.Errorf("%w: %s", ErrSelfConnection, addr)
	}
	rec := b.peers[addr]
	if rec != nil && rec.Status.Occupied() {
		return fmt.Errorf("%w: %s is %s", ErrDuplicatePeer, addr, rec.Status)
	}
	if nodeID != "" {
		if other, ok := b.byNode[nodeID]; ok && other != addr {
			if existing := b.peers[other]; existing != nil && existing.Status.Occupied() {
				return fmt.Errorf("%w: node already connected as %s", ErrDuplicatePeer, other)
			}
		}
	}
	if occupied := b.occupiedLocked(); occupied >= int(limits.MaxPeers) {
		return fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, occupied, limits.MaxPeers)
	}

	if rec == nil {
		if err := b.makeRoomLocked(); err != nil {
			return err
		}
		rec = b.insertLocked(addr, isBootnode)
	} else if isBootnode && !rec.IsBootnode {
		rec.IsBootnode = true
	}
	b.setStatusLocked(rec, StatusConnecting)
	b.setStatusLocked(rec, StatusHandshaking)
	rec.Inbound = true
	if err := b.bindLocked(rec, nodeID); err != nil {
		b.setStatusLocked(rec, StatusDisconnected)
		return err
	}
	b.persistLocked(rec)
	return nil
}

// ReserveOutbound reserves a slot for an explicit dial to addr.
func (a *AdmissionController) ReserveOutbound(addr PeerAddress) error {
	limits := a.Limits()
	b := a.book
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.self[addr]; ok {
		return fmt.Errorf("%w: %s", ErrSelfConnection, addr)
	}
	rec := b.peers[addr]
	if rec != nil && rec.Status.Occupied() {
		return fmt.Errorf("%w: %s is %s", ErrDuplicatePeer, addr, rec.Status)
	}
	if occupied := b.occupiedLocked(); occupied >= int(limits.MaxPeers) {
		return fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, occupied, limits.MaxPeers)
	}
	if rec == nil {
		if err := b.makeRoomLocked(); err != nil {
			return err
		}
		rec = b.insertLocked(addr, false)
		b.persistLocked(rec)
	}
	b.setStatusLocked(rec, StatusConnecting)
	return nil
}

// PlanOutbound picks up to min_peers - occupied candidates uniformly at random
// and reserves them in Connecting. Candidates in backoff are skipped.
func (a *AdmissionController) PlanOutbound() []PeerAddress {
	limits := a.Limits()
	b := a.book
	b.mu.Lock()
	defer b.mu.Unlock()

	occupied := b.occupiedLocked()
	deficit := int(limits.MinPeers) - occupied
	if room := int(limits.MaxPeers) - occupied; room < deficit {
		deficit = room
	}
	if deficit <= 0 {
		return nil
	}
	now := b.clock.Now()
	candidates := b.collectLocked(func(rec *PeerRecord) bool {
		return rec.Status == StatusDisconnected &&
			!rec.Persistent &&
			!b.staleLocked(rec) &&
			!b.nextDialLocked(rec, now).After(now)
	})
	if len(candidates) == 0 {
		return nil
	}
	a.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > deficit {
		candidates = candidates[:deficit]
	}
	for _, addr := range candidates {
		b.setStatusLocked(b.peers[addr], StatusConnecting)
	}
	return candidates
}

// PlanPersistent reserves every Disconnected persistent peer that is due for a
// redial, within max_peers.
func (a *AdmissionController) PlanPersistent() []PeerAddress {
	limits := a.Limits()
	b := a.book
	b.mu.Lock()
	defer b.mu.Unlock()

	room := int(limits.MaxPeers) - b.occupiedLocked()
	if room <= 0 {
		return nil
	}
	now := b.clock.Now()
	due := b.collectLocked(func(rec *PeerRecord) bool {
		return rec.Persistent &&
			rec.Status == StatusDisconnected &&
			!b.nextDialLocked(rec, now).After(now)
	})
	if len(due) > room {
		due = due[:room]
	}
	for _, addr := range due {
		b.setStatusLocked(b.peers[addr], StatusConnecting)
	}
	return due
}

// PlanPrune returns connected - max_peers victims. Regular peers go before
// bootnodes and persistent peers; within a class the oldest connection goes first.
func (a *AdmissionController) PlanPrune() []PeerAddress {
	limits := a.Limits()
	b := a.book
	b.mu.RLock()
	defer b.mu.RUnlock()

	excess := b.connectedLocked() - int(limits.MaxPeers)
	if excess <= 0 {
		return nil
	}
	connected := make([]*PeerRecord, 0, b.connectedLocked())
	for _, rec := range b.peers {
		if rec.Status.IsConnected() {
			connected = append(connected, rec)
		}
	}
	sort.Slice(connected, func(i, j int) bool {
		pi, pj := prunePriority(connected[i]), prunePriority(connected[j])
		if pi != pj {
			return pi < pj
		}
		if !connected[i].ConnectedAt.Equal(connected[j].ConnectedAt) {
			return connected[i].ConnectedAt.Before(connected[j].ConnectedAt)
		}
		return connected[i].Address < connected[j].Address
	})
	victims := make([]PeerAddress, 0, excess)
	for _, rec := range connected[:excess] {
		victims = append(victims, rec.Address)
	}
	return victims
}

func prunePriority(rec *PeerRecord) int {
	if rec.IsBootnode || rec.Persistent {
		return 1
	}
	return 0
}
