package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker is one dependency checked by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Pinger is satisfied by store.Store and calllog.PostgresLog.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts anything with a Ping method into a HealthChecker.
type PingChecker struct {
	name string
	p    Pinger
}

func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, p: p}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) error {
	return c.p.Ping(ctx)
}

// CheckFunc is a HealthChecker backed by a plain function.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string {
	return c.CheckName
}

func (c CheckFunc) Check(ctx context.Context) error {
	return c.Fn(ctx)
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
