package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hxuchen/snarkOS/p2p"
)

// Validate reports every problem with the configuration, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddress) == "" {
		errs = append(errs, fmt.Errorf("%w: ListenAddress is required", p2p.ErrInvalidConfig))
	} else if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("%w: ListenAddress: %v", p2p.ErrInvalidConfig, err))
	}
	if c.P2P.MinPeers > c.P2P.MaxPeers {
		errs = append(errs, fmt.Errorf("%w: p2p.MinPeers %d exceeds p2p.MaxPeers %d", p2p.ErrInvalidConfig, c.P2P.MinPeers, c.P2P.MaxPeers))
	}
	if c.P2P.PeerSyncIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("%w: p2p.PeerSyncIntervalSeconds must be positive", p2p.ErrInvalidConfig))
	}
	if c.P2P.DialTimeoutMs < 0 || c.P2P.HandshakeTimeoutMs < 0 || c.P2P.ReadTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("%w: p2p timeouts must not be negative", p2p.ErrInvalidConfig))
	}
	if c.P2P.MaxKnownPeers < 0 {
		errs = append(errs, fmt.Errorf("%w: p2p.MaxKnownPeers must not be negative", p2p.ErrInvalidConfig))
	}
	for _, entry := range append(append([]string{}, c.P2P.Bootnodes...), c.P2P.PersistentPeers...) {
		if _, err := p2p.ParsePeerAddress(entry); err != nil {
			errs = append(errs, fmt.Errorf("%w: peer %q: %v", p2p.ErrInvalidConfig, entry, err))
		}
	}
	if addr := strings.TrimSpace(c.API.Address); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%w: api.Address: %v", p2p.ErrInvalidConfig, err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: log.Level %q", p2p.ErrInvalidConfig, c.Log.Level))
	}
	return errors.Join(errs...)
}
