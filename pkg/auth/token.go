// Package auth holds the access token used for replay requests and the
// realtime channel's auth handshake.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: no token set")
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenSource stores a bearer token and refuses to hand it out once its
// JWT exp claim has passed. The parse is unverified: the server remains
// the authority on token validity, the client only avoids sending a
// token it already knows is dead.
type TokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewTokenSource() *TokenSource {
	return &TokenSource{now: time.Now}
}

// NewTokenSourceWithClock is for tests that need a fake clock.
func NewTokenSourceWithClock(now func() time.Time) *TokenSource {
	return &TokenSource{now: now}
}

// Set replaces the stored token. Expiry is read from the token's exp
// claim when present; a token that does not parse as a JWT is kept with
// no expiry, since opaque tokens are legitimate.
func (ts *TokenSource) Set(token string) {
	var expiresAt time.Time

	parser := jwt.NewParser()
	if parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			expiresAt = exp.Time
		}
	}

	ts.mu.Lock()
	ts.token = token
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

// Token returns the stored token, ErrNoToken when none was set, or
// ErrTokenExpired when the exp claim has passed.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.token == "" {
		return "", ErrNoToken
	}
	if !ts.expiresAt.IsZero() && ts.now().After(ts.expiresAt) {
		return "", ErrTokenExpired
	}
	return ts.token, nil
}

// Clear drops the stored token.
func (ts *TokenSource) Clear() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}
