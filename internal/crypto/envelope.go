// Package crypto: message envelope (AEAD), session key agreement (ECDH P-256, opt ML-KEM-768 hybrid), digests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the per-message random nonce prepended to every envelope.
	NonceSize = 12
	// TagSize is the authentication tag appended by the AEAD.
	TagSize = 16
)

// ErrDecrypt: bad ciphertext, tag or key. Never returned together with plaintext.
var ErrDecrypt = errors.New("crypto: decryption failed")

// ErrUnknownSuite is returned by ParseSuite and NewEnvelope.
var ErrUnknownSuite = errors.New("crypto: unknown cipher suite")

// Suite selects the AEAD. Server and client must use the same one.
type Suite uint8

const (
	SuiteAES256GCM Suite = iota
	SuiteChaCha20Poly1305
)

func (s Suite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "aes-256-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("suite(%d)", uint8(s))
	}
}

// ParseSuite maps a config name to Suite; empty = aes-256-gcm.
func ParseSuite(name string) (Suite, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes256gcm", "aes":
		return SuiteAES256GCM, nil
	case "chacha20-poly1305", "chacha20poly1305", "chacha":
		return SuiteChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
}

// Envelope seals/opens messages under one key: base64(nonce ‖ ciphertext ‖ tag).
//
// An Envelope built from empty key material is a passthrough: Seal and Open
// return the input unchanged. This is the explicit plaintext mode used only
// before a session secret exists (the handshake lines themselves); callers
// check Passthrough() before relying on confidentiality.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope derives the cipher key as SHA-256(keyMaterial) so material of any length works.
func NewEnvelope(suite Suite, keyMaterial string) (*Envelope, error) {
	if keyMaterial == "" {
		return &Envelope{}, nil
	}
	key := DeriveKey(keyMaterial)
	defer scrub(key[:])
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAES256GCM:
		block, berr := aes.NewCipher(key[:])
		if berr != nil {
			return nil, berr
		}
		aead, err = cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, suite)
	}
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// Passthrough true if the envelope has no key (plaintext mode).
func (e *Envelope) Passthrough() bool {
	return e == nil || e.aead == nil
}

// Seal encrypts plaintext under a fresh random nonce; returns the base64 envelope.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	if e.Passthrough() {
		return append([]byte(nil), plaintext...), nil
	}
	raw := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	raw = e.aead.Seal(raw, raw[:NonceSize], plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Open decodes and authenticates an envelope. Fails closed with ErrDecrypt.
func (e *Envelope) Open(envelope []byte) ([]byte, error) {
	if e.Passthrough() {
		return append([]byte(nil), envelope...), nil
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(envelope)))
	n, err := base64.StdEncoding.Decode(raw, envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrDecrypt)
	}
	raw = raw[:n]
	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecrypt)
	}
	plaintext, err := e.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Encrypt seals plaintext with AES-256-GCM under keyMaterial (passthrough if empty).
func Encrypt(plaintext, keyMaterial string) (string, error) {
	env, err := NewEnvelope(SuiteAES256GCM, keyMaterial)
	if err != nil {
		return "", err
	}
	out, err := env.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens an Encrypt envelope; ErrDecrypt on any mismatch.
func Decrypt(envelope, keyMaterial string) (string, error) {
	env, err := NewEnvelope(SuiteAES256GCM, keyMaterial)
	if err != nil {
		return "", err
	}
	out, err := env.Open([]byte(envelope))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
