// Package auth provides token checks and route middleware built on them.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"dev.c0redev.tcprouter/internal/server/router"
)

// ErrUnauthorized is returned by the middlewares when the token is missing or wrong.
var ErrUnauthorized = errors.New("auth: unauthorized")

// HashPassword bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword true if password matches hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ConstantTimeEqual compares two tokens (constant-time).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verifier resolves a token to the name it was issued to.
type Verifier interface {
	VerifyToken(token string) (name string, ok bool)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(token string) (string, bool)

func (f VerifierFunc) VerifyToken(token string) (string, bool) { return f(token) }

// tokenOf reads the "token" field of an object request body.
func tokenOf(c *router.Context) string {
	var in struct {
		Token string `json:"token"`
	}
	if len(c.Request) == 0 || json.Unmarshal(c.Request, &in) != nil {
		return ""
	}
	return in.Token
}

// Require stops the chain with ErrUnauthorized unless v accepts the request token.
// The accepted name replaces c.Peer for the rest of the chain.
func Require(v Verifier) router.Handler {
	return func(_ context.Context, c *router.Context, next router.Next) error {
		tok := tokenOf(c)
		if tok == "" {
			return ErrUnauthorized
		}
		name, ok := v.VerifyToken(tok)
		if !ok {
			return ErrUnauthorized
		}
		if name != "" {
			c.Peer = name
		}
		return next()
	}
}

// RequireToken accepts tokens matching a bcrypt hash.
func RequireToken(hash string) router.Handler {
	return Require(VerifierFunc(func(tok string) (string, bool) {
		return "", CheckPassword(tok, hash)
	}))
}

// RequireStaticToken accepts exactly token.
func RequireStaticToken(token string) router.Handler {
	return Require(VerifierFunc(func(tok string) (string, bool) {
		return "", token != "" && ConstantTimeEqual(tok, token)
	}))
}
