package health

import (
	"context"
)

// Counter is satisfied by token stores.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// Pinger is satisfied by durable cache backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TokenStoreCheck is degraded when the pool is empty; a token will be
// acquired lazily on the next request. Read failures are down.
func TokenStoreCheck(s Counter) CheckFunc {
	return func(ctx context.Context) Status {
		n, err := s.Len(ctx)
		switch {
		case err != nil:
			return StatusDown
		case n == 0:
			return StatusDegraded
		}
		return StatusOK
	}
}

// PingCheck is down when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}
