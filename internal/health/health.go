// Package health aggregates dependency checks for the readiness probe.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 5 * time.Second

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) Status

// Report is the readiness body.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]Status `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Ready is false when any check is down. Degraded dependencies still serve.
func (r Report) Ready() bool { return r.Status == "ready" }

// Checker runs registered checks and remembers the last outcome of each.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   map[string]Status
	logger zerolog.Logger
	now    func() time.Time
}

// NewChecker creates a checker with no checks registered.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		last:   make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
		now:    time.Now,
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll runs every check concurrently, each under its own timeout.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	statuses := make([]Status, len(fns))
	var g errgroup.Group
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			statuses[i] = fn(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]Status, len(names))
	for i, name := range names {
		results[name] = statuses[i]
	}
	c.record(results)
	return results
}

func (c *Checker) record(results map[string]Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range results {
		prev, seen := c.last[name]
		switch {
		case seen && prev != s:
			c.logger.Info().Str("check", name).Str("from", string(prev)).Str("to", string(s)).Msg("health changed")
		case !seen && s == StatusDown:
			c.logger.Warn().Str("check", name).Msg("dependency down")
		}
	}
	c.last = results
}

// Last returns the results of the most recent run.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// IsReady runs every check and reports whether none is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	rep, _ := c.Report(ctx)
	return rep.Ready()
}

// Report runs every check and returns the readiness body with the HTTP
// status to serve it under.
func (c *Checker) Report(ctx context.Context) (Report, int) {
	rep := Report{
		Status:    "ready",
		Checks:    c.RunAll(ctx),
		CheckedAt: c.now().UTC(),
	}
	for _, s := range rep.Checks {
		if s == StatusDown {
			rep.Status = "not_ready"
			return rep, http.StatusServiceUnavailable
		}
	}
	return rep, http.StatusOK
}
