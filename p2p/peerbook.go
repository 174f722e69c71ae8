package p2p

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultMaxFailures = 3
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 5 * time.Minute

	// DefaultMaxKnownPeers bounds the book against address churn from gossip.
	DefaultMaxKnownPeers = 2048
)

// PeerRecord is everything the node knows about a single peer address.
type PeerRecord struct {
	Address         PeerAddress      `json:"address"`
	NodeID          string           `json:"nodeId,omitempty"`
	Status          ConnectionStatus `json:"status"`
	IsBootnode      bool             `json:"bootnode"`
	Configured      bool             `json:"configured"`
	Persistent      bool             `json:"persistent"`
	Inbound         bool             `json:"inbound"`
	FirstDiscovered time.Time        `json:"firstDiscovered"`
	LastSeen        time.Time        `json:"lastSeen"`
	ConnectedAt     time.Time        `json:"connectedAt"`
	Failures        int              `json:"failures"`
	LastFailure     time.Time        `json:"lastFailure"`
}

// PeerCounts is a consistent view of the peer book counters.
type PeerCounts struct {
	Known      int `json:"known"`
	Candidates int `json:"candidates"`
	Pending    int `json:"pending"`
	Connected  int `json:"connected"`
	Active     int `json:"active"`
}

// RecordStore persists peer records across restarts.
type RecordStore interface {
	Load() ([]PeerRecord, error)
	Save(rec PeerRecord) error
	Delete(addr PeerAddress) error
	Close() error
}

// PeerBookOptions tunes a PeerBook. Zero values select defaults.
type PeerBookOptions struct {
	Clock       clock.Clock
	Store       RecordStore
	MaxFailures int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxKnownPeers caps the number of records. New addresses displace the
	// worst Disconnected record that is neither configured nor persistent.
	MaxKnownPeers int
	Logger        *slog.Logger
}

// PeerBook is the registry of known peers and their connection status. Counts
// are updated in the same critical section as the transition that changes them.
type PeerBook struct {
	mu sync.RWMutex

	peers  map[PeerAddress]*PeerRecord
	byNode map[string]PeerAddress
	self   map[PeerAddress]struct{}
	counts [numStatuses]int

	clock       clock.Clock
	store       RecordStore
	maxFailures int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxKnown    int
	logger      *slog.Logger
}

// NewPeerBook builds an empty book, seeded from opts.Store when provided.
func NewPeerBook(opts PeerBookOptions) (*PeerBook, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxKnownPeers <= 0 {
		opts.MaxKnownPeers = DefaultMaxKnownPeers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &PeerBook{
		peers:       make(map[PeerAddress]*PeerRecord),
		byNode:      make(map[string]PeerAddress),
		self:        make(map[PeerAddress]struct{}),
		clock:       opts.Clock,
		store:       opts.Store,
		maxFailures: opts.MaxFailures,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxKnown:    opts.MaxKnownPeers,
		logger:      opts.Logger.With(slog.String("component", "p2p_peerbook")),
	}
	if b.store != nil {
		records, err := b.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load peer records: %w", err)
		}
		for _, stored := range records {
			if stored.Address == "" {
				continue
			}
			rec := stored
			rec.Status = StatusDisconnected
			rec.Inbound = false
			rec.Persistent = false
			rec.Configured = false
			rec.ConnectedAt = time.Time{}
			b.peers[rec.Address] = &rec
			b.counts[StatusDisconnected]++
		}
	}
	return b, nil
}

// MaxFailures is the consecutive failure count at which a record turns stale.
func (b *PeerBook) MaxFailures() int {
	return b.maxFailures
}

// Upsert records addr. A new record starts Disconnected and then takes status
// only along a legal edge, otherwise it is not created and ErrInvalidTransition
// is returned. For an existing record it refreshes LastSeen, ORs the bootnode
// flag and applies status only when that is a forward edge. It never demotes.
func (b *PeerBook) Upsert(addr PeerAddress, status ConnectionStatus, isBootnode bool) error {
	if addr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidPayload)
	}
	if status >= numStatuses {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidTransition, status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.self[addr]; ok {
		return nil
	}
	rec := b.peers[addr]
	if rec == nil {
		if status != StatusDisconnected && !StatusDisconnected.CanTransition(status) {
			return fmt.Errorf("%w: new peer %s cannot start %s", ErrInvalidTransition, addr, status)
		}
		if err := b.makeRoomLocked(); err != nil {
			return err
		}
		rec = b.insertLocked(addr, isBootnode)
		if status != StatusDisconnected {
			b.setStatusLocked(rec, status)
		}
		b.persistLocked(rec)
		return nil
	}
	rec.LastSeen = b.clock.Now()
	if isBootnode && !rec.IsBootnode {
		rec.IsBootnode = true
		b.persistLocked(rec)
	}
	if status != StatusDisconnected && status != rec.Status && rec.Status.CanTransition(status) {
		b.setStatusLocked(rec, status)
	}
	return nil
}

// Transition moves addr to status, rejecting edges outside the state machine.
func (b *PeerBook) Transition(addr PeerAddress, status ConnectionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(addr, status)
}

func (b *PeerBook) transitionLocked(addr PeerAddress, status ConnectionStatus) error {
	rec := b.peers[addr]
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if !rec.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Status, status, addr)
	}
	b.setStatusLocked(rec, status)
	return nil
}

// Evict removes a Disconnected record.
func (b *PeerBook) Evict(addr PeerAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[addr]
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if rec.Status != StatusDisconnected {
		return fmt.Errorf("%w: cannot evict %s peer %s", ErrInvalidTransition, rec.Status, addr)
	}
	b.removeLocked(rec)
	return nil
}

// MarkSelf records addr as one of our own addresses and forgets any record for it.
func (b *PeerBook) MarkSelf(addr PeerAddress) {
	if addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self[addr] = struct{}{}
	if rec := b.peers[addr]; rec != nil {
		b.removeLocked(rec)
	}
}

// IsSelf reports whether addr is known to be the local node.
func (b *PeerBook) IsSelf(addr PeerAddress) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.self[addr]
	return ok
}

// BindNodeID associates nodeID with addr. It fails with ErrDuplicatePeer when
// the same node already occupies a slot under another address.
func (b *PeerBook) BindNodeID(addr PeerAddress, nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[addr]
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return b.bindLocked(rec, nodeID)
}

func (b *PeerBook) bindLocked(rec *PeerRecord, nodeID string) error {
	if nodeID == "" {
		return nil
	}
	if other, ok := b.byNode[nodeID]; ok && other != rec.Address {
		if existing := b.peers[other]; existing != nil && existing.Status.Occupied() {
			return fmt.Errorf("%w: node already connected as %s", ErrDuplicatePeer, other)
		}
	}
	b.byNode[nodeID] = rec.Address
	if rec.NodeID != nodeID {
		rec.NodeID = nodeID
		b.persistLocked(rec)
	}
	return nil
}

// SetPersistent flags addr as a peer the scheduler keeps connected, creating the record if needed.
func (b *PeerBook) SetPersistent(addr PeerAddress, persistent bool) error {
	if addr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidPayload)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.self[addr]; ok {
		return fmt.Errorf("%w: %s", ErrSelfConnection, addr)
	}
	rec := b.peers[addr]
	if rec == nil {
		if err := b.makeRoomLocked(); err != nil {
			return err
		}
		rec = b.insertLocked(addr, false)
	}
	rec.Persistent = persistent
	b.persistLocked(rec)
	return nil
}

// AddConfiguredBootnode records addr as an operator-supplied bootnode. Such
// records are pinned: the stale sweep and the known-peer cap never remove them.
func (b *PeerBook) AddConfiguredBootnode(addr PeerAddress) error {
	if addr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidPayload)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.self[addr]; ok {
		return nil
	}
	rec := b.peers[addr]
	if rec == nil {
		if err := b.makeRoomLocked(); err != nil {
			return err
		}
		rec = b.insertLocked(addr, true)
	}
	rec.IsBootnode = true
	rec.Configured = true
	b.persistLocked(rec)
	return nil
}

// RecordFailure counts a failed connection attempt and returns the new streak.
func (b *PeerBook) RecordFailure(addr PeerAddress) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[addr]
	if rec == nil {
		return 0, fmt.Errorf("record failure: %w: %s", ErrUnknownPeer, addr)
	}
	rec.Failures++
	rec.LastFailure = b.clock.Now()
	b.persistLocked(rec)
	return rec.Failures, nil
}

// RecordSuccess resets the failure streak of addr.
func (b *PeerBook) RecordSuccess(addr PeerAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[addr]
	if rec == nil {
		return fmt.Errorf("record success: %w: %s", ErrUnknownPeer, addr)
	}
	rec.LastSeen = b.clock.Now()
	if rec.Failures == 0 && rec.LastFailure.IsZero() {
		return nil
	}
	rec.Failures = 0
	rec.LastFailure = time.Time{}
	b.persistLocked(rec)
	return nil
}

// Touch refreshes LastSeen for addr.
func (b *PeerBook) Touch(addr PeerAddress) {
	b.mu.Lock()
	if rec := b.peers[addr]; rec != nil {
		rec.LastSeen = b.clock.Now()
	}
	b.mu.Unlock()
}

// NextDialAt returns when addr may be dialed again given its failure streak.
func (b *PeerBook) NextDialAt(addr PeerAddress) time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.peers[addr]
	now := b.clock.Now()
	if rec == nil {
		return now
	}
	return b.nextDialLocked(rec, now)
}

func (b *PeerBook) nextDialLocked(rec *PeerRecord, now time.Time) time.Time {
	if rec.Failures <= 0 || rec.LastFailure.IsZero() {
		return now
	}
	factor := time.Duration(1)
	if rec.Failures > 1 {
		shift := rec.Failures - 1
		if shift > 20 {
			shift = 20
		}
		factor = 1 << uint(shift)
	}
	backoff := b.baseBackoff * factor
	if backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}
	next := rec.LastFailure.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

// Get returns a copy of the record for addr.
func (b *PeerBook) Get(addr PeerAddress) (PeerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.peers[addr]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of every record ordered by address.
func (b *PeerBook) Snapshot() []PeerRecord {
	b.mu.RLock()
	out := make([]PeerRecord, 0, len(b.peers))
	for _, rec := range b.peers {
		out = append(out, *rec)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Candidates returns the Disconnected, non-stale addresses ordered by address.
func (b *PeerBook) Candidates() []PeerAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collectLocked(func(rec *PeerRecord) bool {
		return rec.Status == StatusDisconnected && !b.staleLocked(rec)
	})
}

// StaleCandidates returns the evictable Disconnected records whose failure
// streak reached MaxFailures. Configured bootnodes and persistent peers are
// never returned; bootnodes learned from gossip are.
func (b *PeerBook) StaleCandidates() []PeerAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collectLocked(func(rec *PeerRecord) bool {
		return rec.Status == StatusDisconnected && b.staleLocked(rec) && !pinned(rec)
	})
}

// pinned records come from local configuration and are never evicted.
func pinned(rec *PeerRecord) bool {
	return rec.Configured || rec.Persistent
}

// IsStale reports whether addr has exhausted its failure budget.
func (b *PeerBook) IsStale(addr PeerAddress) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.peers[addr]
	return rec != nil && b.staleLocked(rec)
}

func (b *PeerBook) staleLocked(rec *PeerRecord) bool {
	return rec.Failures >= b.maxFailures
}

func (b *PeerBook) collectLocked(keep func(*PeerRecord) bool) []PeerAddress {
	out := make([]PeerAddress, 0)
	for addr, rec := range b.peers {
		if keep(rec) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownPeerCount is the number of records in the book.
func (b *PeerBook) KnownPeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// ConnectedPeerCount counts peers that completed the handshake (Connected or Active).
func (b *PeerBook) ConnectedPeerCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint32(b.counts[StatusConnected] + b.counts[StatusActive])
}

// ActivePeerCount counts peers in the Active state.
func (b *PeerBook) ActivePeerCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint32(b.counts[StatusActive])
}

// PendingPeerCount counts peers still dialing or handshaking.
func (b *PeerBook) PendingPeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[StatusConnecting] + b.counts[StatusHandshaking]
}

// CandidatePeerCount counts Disconnected, non-stale records.
func (b *PeerBook) CandidatePeerCount() int {
	return len(b.Candidates())
}

// Counts returns every counter from a single critical section.
func (b *PeerBook) Counts() PeerCounts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	candidates := 0
	for _, rec := range b.peers {
		if rec.Status == StatusDisconnected && !b.staleLocked(rec) {
			candidates++
		}
	}
	return PeerCounts{
		Known:      len(b.peers),
		Candidates: candidates,
		Pending:    b.counts[StatusConnecting] + b.counts[StatusHandshaking],
		Connected:  b.counts[StatusConnected] + b.counts[StatusActive],
		Active:     b.counts[StatusActive],
	}
}

// DisconnectAll moves every occupied record to Disconnected and returns their addresses.
func (b *PeerBook) DisconnectAll() []PeerAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PeerAddress
	for addr, rec := range b.peers {
		if rec.Status.Occupied() {
			b.setStatusLocked(rec, StatusDisconnected)
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases the backing store.
func (b *PeerBook) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

func (b *PeerBook) occupiedLocked() int {
	return b.counts[StatusConnecting] + b.counts[StatusHandshaking] + b.counts[StatusConnected] + b.counts[StatusActive]
}

func (b *PeerBook) connectedLocked() int {
	return b.counts[StatusConnected] + b.counts[StatusActive]
}

// makeRoomLocked frees a slot for a new record when the book is full. The
// victim is the Disconnected, unpinned record with the longest failure streak,
// then the oldest LastSeen, then the lowest address.
func (b *PeerBook) makeRoomLocked() error {
	if len(b.peers) < b.maxKnown {
		return nil
	}
	var victim *PeerRecord
	for _, rec := range b.peers {
		if rec.Status != StatusDisconnected || pinned(rec) {
			continue
		}
		if victim == nil || worseRecord(rec, victim) {
			victim = rec
		}
	}
	if victim == nil {
		return fmt.Errorf("%w: peer book holds %d pinned or occupied records", ErrCapacityExceeded, len(b.peers))
	}
	b.logger.Debug("evicting peer record to make room", slog.Int("failures", victim.Failures))
	b.removeLocked(victim)
	return nil
}

func worseRecord(a, b *PeerRecord) bool {
	if a.Failures != b.Failures {
		return a.Failures > b.Failures
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.Address < b.Address
}

func (b *PeerBook) insertLocked(addr PeerAddress, isBootnode bool) *PeerRecord {
	now := b.clock.Now()
	rec := &PeerRecord{
		Address:         addr,
		Status:          StatusDisconnected,
		IsBootnode:      isBootnode,
		FirstDiscovered: now,
		LastSeen:        now,
	}
	b.peers[addr] = rec
	b.counts[StatusDisconnected]++
	return rec
}

func (b *PeerBook) removeLocked(rec *PeerRecord) {
	b.counts[rec.Status]--
	b.unbindLocked(rec)
	delete(b.peers, rec.Address)
	if b.store != nil {
		if err := b.store.Delete(rec.Address); err != nil {
			b.logger.Warn("failed to delete peer record", slog.Any("error", err))
		}
	}
}

func (b *PeerBook) unbindLocked(rec *PeerRecord) {
	if rec.NodeID == "" {
		return
	}
	if bound, ok := b.byNode[rec.NodeID]; ok && bound == rec.Address {
		delete(b.byNode, rec.NodeID)
	}
}

func (b *PeerBook) setStatusLocked(rec *PeerRecord, status ConnectionStatus) {
	now := b.clock.Now()
	b.counts[rec.Status]--
	b.counts[status]++
	rec.Status = status
	rec.LastSeen = now
	switch status {
	case StatusConnected:
		rec.ConnectedAt = now
	case StatusDisconnected:
		rec.ConnectedAt = time.Time{}
		rec.Inbound = false
		b.unbindLocked(rec)
	}
}

func (b *PeerBook) persistLocked(rec *PeerRecord) {
	if b.store == nil {
		return
	}
	if err := b.store.Save(*rec); err != nil {
		b.logger.Warn("failed to persist peer record", slog.Any("error", err))
	}
}
