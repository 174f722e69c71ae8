package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hxuchen/snarkOS/p2p"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir       string `toml:"DataDir" yaml:"dataDir"`
	NetworkID     uint32 `toml:"NetworkID" yaml:"networkId"`
	ClientVersion string `toml:"ClientVersion,omitempty" yaml:"clientVersion,omitempty"`
	Environment   string `toml:"Environment,omitempty" yaml:"environment,omitempty"`
	P2P           P2P    `toml:"p2p" yaml:"p2p"`
	API           API    `toml:"api" yaml:"api"`
	Log           Log    `toml:"log" yaml:"log"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:4131",
		DataDir:       "./snarkos-data",
		NetworkID:     1,
		P2P: P2P{
			MinPeers:                7,
			MaxPeers:                25,
			PeerSyncIntervalSeconds: 10,
			Bootnodes:               []string{},
			PersistentPeers:         []string{},
			DNSSeeds:                []string{},
			DialTimeoutMs:           3000,
			HandshakeTimeoutMs:      5000,
			ReadTimeoutSeconds:      90,
			MaxFailures:             3,
			PexMaxAddresses:         32,
			MaxKnownPeers:           2048,
		},
		API: API{Address: "127.0.0.1:8131"},
		Log: Log{Level: "info", MaxSizeMB: 100, MaxBackups: 5},
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if cfg.P2P.Bootnodes == nil {
		cfg.P2P.Bootnodes = []string{}
	}
	if cfg.P2P.PersistentPeers == nil {
		cfg.P2P.PersistentPeers = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NodeConfig maps the file configuration onto the p2p layer.
func (c *Config) NodeConfig() p2p.Config {
	return p2p.Config{
		ListenAddress:   c.ListenAddress,
		NetworkID:       c.NetworkID,
		ClientVersion:   c.ClientVersion,
		DataDir:         c.DataDir,
		Bootnodes:       append([]string(nil), c.P2P.Bootnodes...),
		PersistentPeers: append([]string(nil), c.P2P.PersistentPeers...),
		Topology: p2p.TopologyConfig{
			MinPeers:         c.P2P.MinPeers,
			MaxPeers:         c.P2P.MaxPeers,
			PeerSyncInterval: time.Duration(c.P2P.PeerSyncIntervalSeconds) * time.Second,
			IsBootnode:       c.P2P.IsBootnode,
		},
		DialTimeout:      time.Duration(c.P2P.DialTimeoutMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(c.P2P.HandshakeTimeoutMs) * time.Millisecond,
		ReadTimeout:      time.Duration(c.P2P.ReadTimeoutSeconds) * time.Second,
		MaxFailures:      c.P2P.MaxFailures,
		PexMaxAddresses:  c.P2P.PexMaxAddresses,
		MaxKnownPeers:    c.P2P.MaxKnownPeers,
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
