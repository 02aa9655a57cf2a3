package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// NodeIDLen is the hex length of a node id: sha256(pubkey)[:8] bytes.
	NodeIDLen = 16

	pemType = "ATMOSPHERE PRIVATE KEY"
)

// Identity is a node's Ed25519 keypair. The node id derives from the
// public key, so it is stable across restarts and verifiable by peers.
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	nodeID string
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return fromKeys(pub, priv), nil
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	return &Identity{priv: priv, pub: pub, nodeID: DeriveNodeID(pub)}
}

// FromPrivateKey wraps an existing key, for tests and key import.
func FromPrivateKey(priv ed25519.PrivateKey) *Identity {
	return fromKeys(priv.Public().(ed25519.PublicKey), priv)
}

// DeriveNodeID maps a public key to the node id every peer can check:
// first 16 hex chars of sha256(pub).
func DeriveNodeID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:NodeIDLen]
}

// NodeID returns the stable node identifier.
func (id *Identity) NodeID() string { return id.nodeID }

// PublicKey returns the raw Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// PublicKeyBase64 returns the public key as carried in NodeInfo.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ParsePublicKey decodes a base64 public key from NodeInfo.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Save writes the private key as PKCS#8 PEM, owner-readable only.
func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: pemType, Bytes: der}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// Load reads an identity saved by Save.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("%s: not an atmosphere identity key", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: key is %T, want ed25519", path, key)
	}
	return FromPrivateKey(priv), nil
}

// LoadOrCreate loads the key at path, generating and persisting a new
// one on first run.
func LoadOrCreate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
