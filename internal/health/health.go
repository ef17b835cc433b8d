// Package health aggregates dependency checks (scan store, signal cache,
// event stream) for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single dependency.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker probes one dependency. Name and Critical are filled in by the
// registry.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks are each bounded by timeout
// (2s when non-positive).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical checker. A failing critical check makes the
// service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker and returns healthy (no critical failures),
// degraded (some optional failure), and per-check results in registration
// order. A checker that outlives the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy, degraded bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Healthy {
			continue
		}
		if s.Critical {
			healthy = false
		} else {
			degraded = true
		}
	}
	return healthy, degraded, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Status{Detail: "check panicked"}
			}
		}()
		done <- nc.check(ctx)
	}()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Detail: "check timed out"}
	}
	s.Name = nc.name
	s.Critical = nc.critical
	return s
}

// Pinger is satisfied by *sql.DB and the Redis signal cache.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingCheck adapts a Pinger into a Checker.
func PingCheck(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}
