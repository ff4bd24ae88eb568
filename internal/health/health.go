// Package health checks the engine's external dependencies for the
// readiness probe.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check results.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultTimeout bounds a full readiness run.
const DefaultTimeout = 5 * time.Second

// Checker reports whether a dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Result is the outcome of one named check.
type Result struct {
	Name   string
	Status string
	Err    error
}

// Report collects results in name order.
type Report struct {
	Results []Result
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, res := range r.Results {
		if res.Status != StatusOK {
			return false
		}
	}
	return true
}

// Statuses maps check names to their status.
func (r Report) Statuses() map[string]string {
	out := make(map[string]string, len(r.Results))
	for _, res := range r.Results {
		out[res.Name] = res.Status
	}
	return out
}

// Run executes the checkers concurrently under one deadline. Nil checkers
// are skipped.
func Run(ctx context.Context, checkers map[string]Checker, timeout time.Duration) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for name, c := range checkers {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			res := Result{Name: name, Status: StatusOK}
			if err := c.HealthCheck(ctx); err != nil {
				res.Status = StatusError
				res.Err = err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return Report{Results: results}
}
