package crypto

import (
	"encoding/hex"
	"fmt"

	"filippo.io/mlkem768"
)

// KEMKeyPair holds the initiator's ML-KEM-768 decapsulation key for hybrid mode.
type KEMKeyPair struct {
	decap *mlkem768.DecapsulationKey
}

// GenerateKEM ML-KEM-768 key pair (initiator).
func GenerateKEM() (*KEMKeyPair, error) {
	decap, err := mlkem768.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &KEMKeyPair{decap: decap}, nil
}

// EncapsulationHex is the encapsulation key (1184 bytes) hex encoded for the hello.
func (k *KEMKeyPair) EncapsulationHex() string {
	return hex.EncodeToString(k.decap.EncapsulationKey())
}

// Decapsulate recovers the shared secret from the responder's hex ciphertext.
func (k *KEMKeyPair) Decapsulate(ciphertextHex string) ([]byte, error) {
	ct, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: kem ciphertext: %w", err)
	}
	return mlkem768.Decapsulate(k.decap, ct)
}

// Encapsulate (responder) generates secret + hex ciphertext for the peer's hex encapsulation key.
func Encapsulate(encHex string) (sharedSecret []byte, ciphertextHex string, err error) {
	enc, err := hex.DecodeString(encHex)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: kem key: %w", err)
	}
	ciphertext, sharedSecret, err := mlkem768.Encapsulate(enc)
	if err != nil {
		return nil, "", err
	}
	return sharedSecret, hex.EncodeToString(ciphertext), nil
}
