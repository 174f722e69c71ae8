package config

// P2P holds the peer connection manager settings.
type P2P struct {
	MinPeers                uint16   `toml:"MinPeers" yaml:"minPeers"`
	MaxPeers                uint16   `toml:"MaxPeers" yaml:"maxPeers"`
	PeerSyncIntervalSeconds int      `toml:"PeerSyncIntervalSeconds" yaml:"peerSyncIntervalSeconds"`
	IsBootnode              bool     `toml:"IsBootnode" yaml:"isBootnode"`
	Bootnodes               []string `toml:"Bootnodes" yaml:"bootnodes"`
	PersistentPeers         []string `toml:"PersistentPeers" yaml:"persistentPeers"`
	// DNSSeeds are resolved at startup and added as bootnodes.
	DNSSeeds           []string `toml:"DNSSeeds" yaml:"dnsSeeds"`
	DNSServer          string   `toml:"DNSServer" yaml:"dnsServer"`
	DialTimeoutMs      int      `toml:"DialTimeoutMs" yaml:"dialTimeoutMs"`
	HandshakeTimeoutMs int      `toml:"HandshakeTimeoutMs" yaml:"handshakeTimeoutMs"`
	ReadTimeoutSeconds int      `toml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	MaxFailures        int      `toml:"MaxFailures" yaml:"maxFailures"`
	PexMaxAddresses    int      `toml:"PexMaxAddresses" yaml:"pexMaxAddresses"`
	MaxKnownPeers      int      `toml:"MaxKnownPeers" yaml:"maxKnownPeers"`
}

// API configures the HTTP status endpoint. An empty address disables it.
type API struct {
	Address string `toml:"Address" yaml:"address"`
}

// Log configures structured logging.
type Log struct {
	Level            string `toml:"Level" yaml:"level"`
	File             string `toml:"File" yaml:"file"`
	MaxSizeMB        int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups       int    `toml:"MaxBackups" yaml:"maxBackups"`
	DisableRedaction bool   `toml:"DisableRedaction" yaml:"disableRedaction"`
}
