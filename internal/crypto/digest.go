package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DeriveKey returns SHA-256(keyMaterial); the raw AEAD key for an envelope.
func DeriveKey(keyMaterial string) [32]byte {
	return sha256.Sum256([]byte(keyMaterial))
}

// Digest is a deterministic hex SHA-256 of v's JSON form (map keys sorted by encoding/json).
func Digest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
