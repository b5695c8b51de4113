// Package auth authenticates administrative API keys.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
)

// ScopeAdmin grants access to the discount and order administration routes.
const ScopeAdmin = "admin"

var (
	// ErrUnknownKey is returned when no active key matches.
	ErrUnknownKey = apperr.Forbidden("unknown api key")
	// ErrMissingScope is returned when the key lacks the required scope.
	ErrMissingScope = apperr.Forbidden("api key lacks required scope")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key carries scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Hash returns the hex HMAC-SHA256 of key under pepper, as stored.
func Hash(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator validates raw API keys against stored hashes.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator with the given repository and
// HMAC pepper.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate hashes key, looks it up and checks scope. The stored hash is
// compared in constant time.
func (a *Authenticator) Authenticate(ctx context.Context, key, scope string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnknownKey
	}
	hash := Hash(a.pepper, key)

	info, err := a.keys.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	want, _ := hex.DecodeString(hash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(want, stored) != 1 {
		return nil, ErrUnknownKey
	}
	if !info.HasScope(scope) {
		return nil, ErrMissingScope
	}
	return info, nil
}
