package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// Token is an issued route token. The secret itself is never stored.
type Token struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

func randToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func tokenHash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// CreateToken issues a new token for name; err if name exists.
func (db *DB) CreateToken(name string) (string, error) {
	tok, err := randToken()
	if err != nil {
		return "", err
	}
	_, err = db.Exec("INSERT INTO tokens (name, token_hash, created_at) VALUES (?, ?, ?)", name, tokenHash(tok), now())
	if err != nil {
		return "", err
	}
	return tok, nil
}

// ReplaceToken revokes name's token and issues a new one.
func (db *DB) ReplaceToken(name string) (string, error) {
	if err := db.RevokeToken(name); err != nil {
		return "", err
	}
	return db.CreateToken(name)
}

// RevokeToken deletes name's token; no error if absent.
func (db *DB) RevokeToken(name string) error {
	_, err := db.Exec("DELETE FROM tokens WHERE name = ?", name)
	return err
}

// VerifyToken returns the name tok was issued to.
func (db *DB) VerifyToken(tok string) (string, bool) {
	if tok == "" {
		return "", false
	}
	var name string
	err := db.QueryRow("SELECT name FROM tokens WHERE token_hash = ?", tokenHash(tok)).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

// TokenByName returns the token record or nil.
func (db *DB) TokenByName(name string) (*Token, error) {
	var t Token
	var ts string
	err := db.QueryRow("SELECT id, name, created_at FROM tokens WHERE name = ?", name).Scan(&t.ID, &t.Name, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(ts)
	return &t, nil
}

// ListTokens returns all issued tokens ordered by name.
func (db *DB) ListTokens() ([]Token, error) {
	rows, err := db.Query("SELECT id, name, created_at FROM tokens ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Token
	for rows.Next() {
		var t Token
		var ts string
		if err := rows.Scan(&t.ID, &t.Name, &ts); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
