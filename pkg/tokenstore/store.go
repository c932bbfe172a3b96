// Package tokenstore holds issued bearer tokens and hands out usable ones.
package tokenstore

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"
)

// DefaultCapacity is the number of live tokens a pool rotates across.
const DefaultCapacity = 3

var (
	ErrTokenNotFound = errors.New("no valid token")
	ErrInvalidToken  = errors.New("token expires before it was issued")
)

// Token is a bearer token with its validity window.
type Token struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewToken builds a token issued at now that lives for ttl.
func NewToken(value string, now time.Time, ttl time.Duration) Token {
	return Token{Value: value, IssuedAt: now, ExpiresAt: now.Add(ttl)}
}

// ExpiredAt reports whether the token is unusable at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsExpired checks the token against the wall clock.
func (t Token) IsExpired() bool {
	return t.ExpiredAt(time.Now())
}

// ExpiresIn returns the remaining lifetime at now, never negative.
func (t Token) ExpiresIn(now time.Time) time.Duration {
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Validate checks the ExpiresAt > IssuedAt invariant.
func (t Token) Validate() error {
	if t.Value == "" || !t.ExpiresAt.After(t.IssuedAt) {
		return ErrInvalidToken
	}
	return nil
}

// Store defines the token pool interface. Implementations never perform
// network I/O towards the upstream.
type Store interface {
	// Get returns a currently valid token or ErrTokenNotFound.
	Get(ctx context.Context) (Token, error)
	// Put records a newly issued token, evicting the oldest entries beyond
	// capacity and purging expired ones.
	Put(ctx context.Context, tok Token) error
	// Drop removes a token that the upstream rejected.
	Drop(ctx context.Context, value string) error
	// Len returns the number of valid tokens.
	Len(ctx context.Context) (int, error)
}

// pick selects among valid tokens with recency weights: the newest of n
// tokens weighs n, the oldest weighs 1 (3:2:1 for a full pool of three).
// toks is sorted newest first in place.
func pick(toks []Token, rnd *rand.Rand) Token {
	sort.SliceStable(toks, func(i, j int) bool {
		return toks[i].IssuedAt.After(toks[j].IssuedAt)
	})
	n := len(toks)
	total := n * (n + 1) / 2
	r := rnd.Intn(total)
	for i, tok := range toks {
		weight := n - i
		if r < weight {
			return tok
		}
		r -= weight
	}
	return toks[0]
}
