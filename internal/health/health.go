// Package health provides a registry of named subsystem health checkers.
// The settler registers the wallet and daemon RPCs, the sale store, Redis
// and each scheduler job.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/xmrescrow/internal/metrics"
)

// CheckTimeout bounds each checker.
const CheckTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		metrics.SetDependency(st.Name, st.Healthy)
		if !st.Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Ping adapts an error-returning check into a Checker.
func Ping(name string, check func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := check(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Flag adapts a boolean check into a Checker; detail explains a false result.
func Flag(name, detail string, check func(ctx context.Context) bool) Checker {
	return func(ctx context.Context) Status {
		if !check(ctx) {
			return Status{Name: name, Healthy: false, Detail: detail}
		}
		return Status{Name: name, Healthy: true}
	}
}
