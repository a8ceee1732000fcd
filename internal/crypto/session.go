package crypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadPublicKey: peer key is not valid hex or not a point on P-256.
var ErrBadPublicKey = errors.New("crypto: bad peer public key")

// KeyPair is an ephemeral P-256 (prime256v1) ECDH key.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateECDH creates a new ephemeral key pair.
func GenerateECDH() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

// PublicHex is the uncompressed public point, hex encoded (wire form).
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.priv.PublicKey().Bytes())
}

// Shared computes the ECDH x-coordinate with the peer's hex public key.
func (k *KeyPair) Shared(peerHex string) ([]byte, error) {
	raw, err := hex.DecodeString(peerHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	shared, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return shared, nil
}

// SessionSecret = hex(HMAC-SHA256(preShared, shared ‖ extra...)).
// extra carries the ML-KEM secret in hybrid mode; both peers must pass the same inputs.
func SessionSecret(preShared string, shared []byte, extra ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(preShared))
	mac.Write(shared)
	for _, e := range extra {
		mac.Write(e)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyMaterial is what both peers feed to NewEnvelope after the handshake: preShared ‖ session.
func KeyMaterial(preShared, session string) string {
	return preShared + session
}
