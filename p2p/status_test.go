package p2p

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionStatusEdges(t *testing.T) {
	allowed := map[ConnectionStatus][]ConnectionStatus{
		StatusDisconnected: {StatusConnecting},
		StatusConnecting:   {StatusHandshaking, StatusDisconnected},
		StatusHandshaking:  {StatusConnected, StatusDisconnected},
		StatusConnected:    {StatusActive, StatusDisconnected},
		StatusActive:       {StatusDisconnected},
	}
	for from := StatusDisconnected; from < numStatuses; from++ {
		for to := StatusDisconnected; to < numStatuses; to++ {
			want := false
			for _, ok := range allowed[from] {
				want = want || ok == to
			}
			require.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	require.False(t, numStatuses.CanTransition(StatusDisconnected))
}

func TestConnectionStatusText(t *testing.T) {
	raw, err := json.Marshal(struct {
		Status ConnectionStatus `json:"status"`
	}{StatusHandshaking})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"handshaking"}`, string(raw))

	var s ConnectionStatus
	require.NoError(t, s.UnmarshalText([]byte(" Active ")))
	require.Equal(t, StatusActive, s)
	require.Error(t, s.UnmarshalText([]byte("gone")))
	require.Equal(t, "status(9)", ConnectionStatus(9).String())

	require.False(t, StatusDisconnected.Occupied())
	require.True(t, StatusConnecting.Occupied())
	require.False(t, StatusHandshaking.IsConnected())
	require.True(t, StatusConnected.IsConnected())
}
