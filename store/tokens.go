package store

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// Token store defaults
const (
	DefaultRotationInterval = 10 * time.Minute
	secretLength            = 20
	tokenLength             = 8
)

// TokenStore issues and validates the anti-forgery tokens that gate
// announce_peer. A token is the truncated SHA-1 of a rotating secret
// concatenated with the canonical source address; tokens derived from
// the previous secret stay valid so rotation never flaps.
type TokenStore struct {
	interval time.Duration
	clk      clock.Clock

	mu        sync.Mutex
	secret    []byte
	previous  []byte
	rotatedAt time.Time
}

// NewTokenStore creates a token store. A zero interval selects the
// default rotation interval; a nil clock selects the wall clock.
func NewTokenStore(interval time.Duration, clk clock.Clock) *TokenStore {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenStore{
		interval:  interval,
		clk:       clk,
		secret:    newSecret(),
		rotatedAt: clk.Now(),
	}
}

func newSecret() []byte {
	secret := make([]byte, secretLength)
	rand.Read(secret)
	return secret
}

func deriveToken(secret []byte, source *net.UDPAddr) string {
	h := sha1.New()
	h.Write(secret)
	h.Write([]byte(source.String()))
	return hex.EncodeToString(h.Sum(nil)[:tokenLength])
}

// Issue returns a token for the source address
func (s *TokenStore) Issue(source *net.UDPAddr) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deriveToken(s.secret, source)
}

// Validate reports whether the token was issued to the source address
// under the current or the previous secret
func (s *TokenStore) Validate(token string, source *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == deriveToken(s.secret, source) {
		return true
	}
	return s.previous != nil && token == deriveToken(s.previous, source)
}

// Rotate discards the previous secret and mints a new current one
func (s *TokenStore) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.secret
	s.secret = newSecret()
	s.rotatedAt = s.clk.Now()
}

// MaybeRotate rotates if the rotation interval has elapsed.
// Returns whether a rotation happened.
func (s *TokenStore) MaybeRotate() bool {
	s.mu.Lock()
	due := s.clk.Now().Sub(s.rotatedAt) >= s.interval
	s.mu.Unlock()
	if due {
		s.Rotate()
	}
	return due
}
