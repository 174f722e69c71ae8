package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity encapsulates the node key used to detect self and duplicate connections.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	NodeID     string
}

// NewIdentity generates an ephemeral identity.
func NewIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{PrivateKey: key, NodeID: deriveNodeID(&key.PublicKey)}, nil
}

// LoadOrCreateIdentity reads a hex-encoded secp256k1 private key from path,
// generating and persisting one if absent. The NodeID is the 0x-prefixed
// keccak256 of the uncompressed public key.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	key, err := ethcrypto.LoadECDSA(path)
	switch {
	case err == nil:
		return &Identity{PrivateKey: key, NodeID: deriveNodeID(&key.PublicKey)}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	ident, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := ethcrypto.SaveECDSA(path, ident.PrivateKey); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return ident, nil
}

func deriveNodeID(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	pubBytes := ethcrypto.FromECDSAPub(pub)
	if len(pubBytes) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(ethcrypto.Keccak256(pubBytes[1:]))
}
