package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxuchen/snarkOS/observability/logging"
)

func jsonLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// logEntries decodes every JSON line written so far.
func logEntries(t *testing.T, buf *syncBuffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestPeerAddressesAreRedactedInLogs(t *testing.T) {
	require.False(t, logging.IsAllowlisted("peer_address"))
	require.False(t, logging.IsAllowlisted("peer_id"))
	require.True(t, logging.RedactionEnabled())

	var buf syncBuffer
	transport := &refusingTransport{}
	n := newTestNode(t, testConfig(), WithTransport(transport), WithLogger(jsonLogger(&buf)))
	require.NoError(t, n.Listen(context.Background()))

	const target = "10.254.3.7:4130"
	err := n.Connect(context.Background(), target)
	require.ErrorIs(t, err, ErrConnect)

	require.NotContains(t, string(buf.Bytes()), "10.254.3.7")
	var masked int
	for _, entry := range logEntries(t, &buf) {
		if value, ok := entry["peer_address"]; ok {
			require.Equal(t, logging.RedactedValue, value)
			masked++
		}
	}
	require.Positive(t, masked, "expected at least one peer_address field")
}

func TestConnectedPeerIdentifiersAreRedacted(t *testing.T) {
	var buf syncBuffer
	a := newListeningNode(t, testConfig(), WithLogger(jsonLogger(&buf)))
	b := newListeningNode(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, b.ListenAddress().String()))

	require.NotContains(t, string(buf.Bytes()), b.NodeID())
	var connected bool
	for _, entry := range logEntries(t, &buf) {
		if entry["msg"] != "peer connected" {
			continue
		}
		connected = true
		require.Equal(t, logging.RedactedValue, entry["peer_address"])
		require.Equal(t, logging.RedactedValue, entry["peer_id"])
		require.Equal(t, false, entry["inbound"])
	}
	require.True(t, connected)
}
