package p2p

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultPeerSyncInterval = 10 * time.Second
	defaultDialTimeout      = 3 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 1 << 20
	defaultPexMaxAddresses  = 32
	defaultPexRequestRate   = 2.0
	defaultPexRequestBurst  = 5
	defaultPexPendingTokens = 1024
)

// TopologyConfig carries the administrator-set connection bounds.
type TopologyConfig struct {
	MinPeers         uint16
	MaxPeers         uint16
	PeerSyncInterval time.Duration
	IsBootnode       bool
}

// Validate rejects limits the admission controller cannot honour.
func (c TopologyConfig) Validate() error {
	if c.MinPeers > c.MaxPeers {
		return fmt.Errorf("%w: min_peers %d exceeds max_peers %d", ErrInvalidConfig, c.MinPeers, c.MaxPeers)
	}
	if c.PeerSyncInterval <= 0 {
		return fmt.Errorf("%w: peer sync interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Config is the full node configuration for the p2p layer.
type Config struct {
	ListenAddress   string
	NetworkID       uint32
	ClientVersion   string
	Topology        TopologyConfig
	Bootnodes       []string
	PersistentPeers []string

	// DataDir holds node.key and the peerstore. Empty keeps both in memory.
	DataDir string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int

	MaxFailures   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxKnownPeers int

	PexMaxAddresses int
	PexRequestRate  float64
	PexRequestBurst int
}

func (c Config) withDefaults() Config {
	if c.ClientVersion == "" {
		c.ClientVersion = "snarkos-go/" + clientVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxKnownPeers <= 0 {
		c.MaxKnownPeers = DefaultMaxKnownPeers
	}
	if c.PexMaxAddresses <= 0 {
		c.PexMaxAddresses = defaultPexMaxAddresses
	}
	if c.PexRequestRate <= 0 {
		c.PexRequestRate = defaultPexRequestRate
	}
	if c.PexRequestBurst <= 0 {
		c.PexRequestBurst = defaultPexRequestBurst
	}
	return c
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Topology.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseAddressList(c.Bootnodes); err != nil {
		errs = append(errs, fmt.Errorf("%w: bootnodes: %v", ErrInvalidConfig, err))
	}
	if _, err := parseAddressList(c.PersistentPeers); err != nil {
		errs = append(errs, fmt.Errorf("%w: persistent peers: %v", ErrInvalidConfig, err))
	}
	if c.BaseBackoff > 0 && c.MaxBackoff > 0 && c.BaseBackoff > c.MaxBackoff {
		errs = append(errs, fmt.Errorf("%w: base backoff exceeds max backoff", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
