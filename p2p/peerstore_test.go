package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestPeerstore(t *testing.T) (*Peerstore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerstore")
	store, err := NewPeerstore(path)
	if err != nil {
		t.Fatalf("new peerstore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, path
}

func TestPeerstoreSaveLoadDelete(t *testing.T) {
	store, _ := newTestPeerstore(t)
	seen := time.Unix(1_700_000_000, 0).UTC()
	rec := PeerRecord{
		Address:    "10.20.0.1:4130",
		NodeID:     "0xabc",
		Status:     StatusActive,
		IsBootnode: true,
		LastSeen:   seen,
		Failures:   2,
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(PeerRecord{Address: "10.20.0.2:4130"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Address != rec.Address || got.NodeID != "0xabc" || !got.IsBootnode || got.Failures != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != StatusDisconnected {
		t.Fatalf("connection state must not be persisted, got %s", got.Status)
	}
	if !got.LastSeen.Equal(seen) {
		t.Fatalf("last seen mismatch: %s vs %s", got.LastSeen, seen)
	}

	if err := store.Delete(rec.Address); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loaded, err = store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Address != "10.20.0.2:4130" {
		t.Fatalf("unexpected records after delete: %+v", loaded)
	}
}

func TestPeerstoreBacksPeerBookAcrossRestarts(t *testing.T) {
	store, path := newTestPeerstore(t)
	clk := clock.NewMock()
	book, err := NewPeerBook(PeerBookOptions{Clock: clk, Store: store})
	if err != nil {
		t.Fatalf("new peer book: %v", err)
	}
	keep := PeerAddress("10.21.0.1:4130")
	evicted := PeerAddress("10.21.0.2:4130")
	if err := book.Upsert(keep, StatusDisconnected, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := book.Upsert(evicted, StatusDisconnected, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := book.Evict(evicted); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if err := book.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewPeerstore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	book, err = NewPeerBook(PeerBookOptions{Clock: clk, Store: reopened})
	if err != nil {
		t.Fatalf("reload peer book: %v", err)
	}
	defer book.Close()
	if book.KnownPeerCount() != 1 {
		t.Fatalf("expected 1 record after restart, got %d", book.KnownPeerCount())
	}
	rec, ok := book.Get(keep)
	if !ok || !rec.IsBootnode {
		t.Fatalf("expected bootnode record to survive restart, got %+v", rec)
	}
}

func TestPeerstoreClosed(t *testing.T) {
	store, _ := newTestPeerstore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := store.Save(PeerRecord{Address: "10.22.0.1:4130"}); err == nil {
		t.Fatalf("expected save on closed store to fail")
	}
	if _, err := store.Load(); err == nil {
		t.Fatalf("expected load on closed store to fail")
	}
}
