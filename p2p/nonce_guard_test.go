package p2p

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNonceGuardRemembersPerNode(t *testing.T) {
	clk := clock.NewMock()
	guard := newNonceGuard(time.Minute, clk)

	if !guard.Remember("nodeA", "f47ac10b") {
		t.Fatalf("expected first nonce to be accepted")
	}
	clk.Add(10 * time.Second)
	if guard.Remember("nodeA", "F47AC10B") {
		t.Fatalf("expected replay for same node to be rejected")
	}
	if !guard.Remember("nodeB", "f47ac10b") {
		t.Fatalf("expected nonce reuse by different node to be accepted")
	}
	if guard.Remember("", "f47ac10b") || guard.Remember("nodeA", " ") {
		t.Fatalf("expected empty inputs to be rejected")
	}
}

func TestNonceGuardExpiresEntries(t *testing.T) {
	clk := clock.NewMock()
	guard := newNonceGuard(time.Minute, clk)

	guard.Remember("nodeA", "one")
	clk.Add(30 * time.Second)
	guard.Remember("nodeA", "two")
	if guard.Size() != 2 {
		t.Fatalf("expected 2 entries, got %d", guard.Size())
	}

	clk.Add(31 * time.Second)
	if !guard.Remember("nodeA", "one") {
		t.Fatalf("expected expired nonce to be accepted again")
	}
	if guard.Size() != 2 {
		t.Fatalf("expected expired entry swept, got %d entries", guard.Size())
	}
}

func TestNonceGuardBoundsEntries(t *testing.T) {
	guard := newNonceGuard(time.Hour, clock.NewMock())
	guard.maxEntries = 3
	for _, nonce := range []string{"a", "b", "c", "d"} {
		guard.Remember("node", nonce)
	}
	if guard.Size() != 3 {
		t.Fatalf("expected size capped at 3, got %d", guard.Size())
	}
	if !guard.Remember("node", "a") {
		t.Fatalf("expected oldest entry to have been evicted")
	}
}
