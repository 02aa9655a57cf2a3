package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// ephemeralKey is one side's X25519 key pair, fresh per handshake.
// Losing a node's long-term identity key never exposes old traffic.
type ephemeralKey struct {
	priv [32]byte
	pub  [32]byte
}

func newEphemeralKey() (*ephemeralKey, error) {
	k := &ephemeralKey{}
	if _, err := io.ReadFull(rand.Reader, k.priv[:]); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "generating ephemeral key")
	}
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "deriving ephemeral public key")
	}
	copy(k.pub[:], pub)
	return k, nil
}

func (k *ephemeralKey) publicBase64() string {
	return base64.StdEncoding.EncodeToString(k.pub[:])
}

// secureChannel seals frame payloads with per-direction
// ChaCha20-Poly1305 keys. Directions use distinct keys so a reflected
// ciphertext can never decrypt as a fresh message.
type secureChannel struct {
	seal cipher.AEAD
	open cipher.AEAD
}

// deriveChannel runs X25519 with the peer's ephemeral key and expands
// the shared secret into both direction keys via HKDF-SHA256. The mesh
// id salts the derivation; node ids order the info strings.
func deriveChannel(self *ephemeralKey, peerPubB64, meshID, selfNode, peerNode string) (*secureChannel, error) {
	peerPub, err := base64.StdEncoding.DecodeString(peerPubB64)
	if err != nil || len(peerPub) != 32 {
		return nil, core.Errorf(core.CodeNotAuthorized, "peer ephemeral key is malformed")
	}
	shared, err := curve25519.X25519(self.priv[:], peerPub)
	if err != nil {
		return nil, core.WrapErr(core.CodeNotAuthorized, err, "computing shared secret")
	}

	sendKey, err := expandKey(shared, meshID, selfNode+"|"+peerNode)
	if err != nil {
		return nil, err
	}
	recvKey, err := expandKey(shared, meshID, peerNode+"|"+selfNode)
	if err != nil {
		return nil, err
	}
	sealAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "building seal cipher")
	}
	openAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "building open cipher")
	}
	return &secureChannel{seal: sealAEAD, open: openAEAD}, nil
}

func expandKey(shared []byte, meshID, direction string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, []byte("atmosphere/"+meshID), []byte("chan/"+direction))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "expanding channel key")
	}
	return key, nil
}

// Seal encrypts a payload, prepending the random nonce.
func (c *secureChannel) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.seal.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "generating seal nonce")
	}
	return c.seal.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed payload.
func (c *secureChannel) Open(sealed []byte) ([]byte, error) {
	ns := c.open.NonceSize()
	if len(sealed) < ns {
		return nil, core.Errorf(core.CodeNotAuthorized, "sealed payload shorter than its nonce")
	}
	plain, err := c.open.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, core.WrapErr(core.CodeNotAuthorized, err, "opening sealed payload")
	}
	return plain, nil
}
