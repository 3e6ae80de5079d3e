// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

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

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// BackendChecker probes the GloVendor backend base URL. Any HTTP response,
// including 4xx, proves reachability; only transport failure is unhealthy.
func BackendChecker(baseURL string) Checker {
	client := &http.Client{Timeout: 3 * time.Second}
	return func(ctx context.Context) Status {
		st := Status{Name: "backend"}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			st.Detail = err.Error()
			return st
		}

		resp, err := client.Do(req)
		if err != nil {
			st.Detail = fmt.Sprintf("unreachable: %v", err)
			return st
		}
		resp.Body.Close()

		st.Healthy = true
		return st
	}
}

// Pinger is anything with a context Ping, e.g. a redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger as a named health checker.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		st := Status{Name: name}
		if err := p.Ping(ctx); err != nil {
			st.Detail = err.Error()
			return st
		}
		st.Healthy = true
		return st
	}
}
