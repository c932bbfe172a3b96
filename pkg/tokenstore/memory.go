package tokenstore

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// MemoryPool is an in-process rotating token pool.
type MemoryPool struct {
	mu       sync.Mutex
	capacity int
	tokens   []Token
	now      func() time.Time
	rnd      *rand.Rand
}

// Option configures a pool.
type Option func(*poolOptions)

type poolOptions struct {
	now func() time.Time
	rnd *rand.Rand
}

// WithClock overrides the pool's notion of now.
func WithClock(now func() time.Time) Option {
	return func(o *poolOptions) { o.now = now }
}

// WithRand sets the random source used for weighted selection.
func WithRand(rnd *rand.Rand) Option {
	return func(o *poolOptions) { o.rnd = rnd }
}

func resolveOptions(opts []Option) poolOptions {
	o := poolOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// NewMemoryPool creates a pool holding at most capacity tokens.
func NewMemoryPool(capacity int, opts ...Option) *MemoryPool {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	o := resolveOptions(opts)
	return &MemoryPool{
		capacity: capacity,
		now:      o.now,
		rnd:      o.rnd,
	}
}

func (m *MemoryPool) Get(_ context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := m.validLocked(m.now())
	if len(valid) == 0 {
		return Token{}, ErrTokenNotFound
	}
	return pick(valid, m.rnd), nil
}

func (m *MemoryPool) Put(_ context.Context, tok Token) error {
	if err := tok.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tokens[:0]
	for _, t := range m.tokens {
		if t.Value != tok.Value {
			kept = append(kept, t)
		}
	}
	m.tokens = append(kept, tok)
	m.tokens = m.validLocked(m.now())

	if over := len(m.tokens) - m.capacity; over > 0 {
		sort.SliceStable(m.tokens, func(i, j int) bool {
			return m.tokens[i].IssuedAt.Before(m.tokens[j].IssuedAt)
		})
		m.tokens = append([]Token(nil), m.tokens[over:]...)
	}
	return nil
}

func (m *MemoryPool) Drop(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[:0]
	for _, t := range m.tokens {
		if t.Value != value {
			kept = append(kept, t)
		}
	}
	m.tokens = kept
	return nil
}

func (m *MemoryPool) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.validLocked(m.now())), nil
}

// validLocked returns a fresh slice of the tokens still valid at now.
func (m *MemoryPool) validLocked(now time.Time) []Token {
	valid := make([]Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		if !t.ExpiredAt(now) {
			valid = append(valid, t)
		}
	}
	return valid
}
