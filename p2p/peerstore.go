package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const peerKeyPrefix = "peer:"

// peerstoreEntry is the persisted subset of a PeerRecord. Connection state is
// never persisted; every record is reloaded as Disconnected.
type peerstoreEntry struct {
	Addr            string    `json:"addr"`
	NodeID          string    `json:"nodeID"`
	Bootnode        bool      `json:"bootnode"`
	FirstDiscovered time.Time `json:"firstDiscovered"`
	LastSeen        time.Time `json:"lastSeen"`
	Fails           int       `json:"fails"`
	LastFailure     time.Time `json:"lastFailure"`
}

// Peerstore is a LevelDB-backed RecordStore.
type Peerstore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewPeerstore opens (or creates) a peerstore backed by LevelDB at the given path.
func NewPeerstore(path string) (*Peerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	return &Peerstore{db: db}, nil
}

// Load returns every stored record.
func (ps *Peerstore) Load() ([]PeerRecord, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil, errors.New("peerstore closed")
	}
	iter := ps.db.NewIterator(util.BytesPrefix([]byte(peerKeyPrefix)), nil)
	defer iter.Release()
	var out []PeerRecord
	for iter.Next() {
		var entry peerstoreEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		addr, err := ParsePeerAddress(entry.Addr)
		if err != nil {
			continue
		}
		out = append(out, PeerRecord{
			Address:         addr,
			NodeID:          entry.NodeID,
			Status:          StatusDisconnected,
			IsBootnode:      entry.Bootnode,
			FirstDiscovered: entry.FirstDiscovered,
			LastSeen:        entry.LastSeen,
			Failures:        entry.Fails,
			LastFailure:     entry.LastFailure,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save writes rec, replacing any previous entry for the same address.
func (ps *Peerstore) Save(rec PeerRecord) error {
	blob, err := json.Marshal(peerstoreEntry{
		Addr:            rec.Address.String(),
		NodeID:          rec.NodeID,
		Bootnode:        rec.IsBootnode,
		FirstDiscovered: rec.FirstDiscovered,
		LastSeen:        rec.LastSeen,
		Fails:           rec.Failures,
		LastFailure:     rec.LastFailure,
	})
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	return ps.db.Put(peerKey(rec.Address), blob, nil)
}

// Delete removes the entry for addr.
func (ps *Peerstore) Delete(addr PeerAddress) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	return ps.db.Delete(peerKey(addr), nil)
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	return err
}

func peerKey(addr PeerAddress) []byte {
	return []byte(peerKeyPrefix + addr.String())
}
