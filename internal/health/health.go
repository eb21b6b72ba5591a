// Package health aggregates component checks for the daemon's liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name string

	// Critical components make the overall status unhealthy on failure;
	// others only degrade it.
	Critical bool

	Check   Check
	Timeout time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker. It starts not ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		c.results[name] = r
	}
	c.mu.Unlock()
	return results
}

// run executes one check with its timeout and panic recovery.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	names := make([]string, 0, len(c.results))
	for name := range c.results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch c.results[name].Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Response runs every check and reports the aggregate.
func (c *Checker) Response(ctx context.Context) Response {
	components := c.Check(ctx)

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime).Truncate(time.Second)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := c.Response(r.Context())
		if !resp.Ready || resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// PingCheck wraps a connectivity probe such as a database ping.
func PingCheck(what string, ping func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// ErrorRateCheck degrades when more than maxRatio of recent sessions
// failed. total and failed are read at check time.
func ErrorRateCheck(total, failed func() uint64, maxRatio float64) Check {
	return func(ctx context.Context) CheckResult {
		t, f := total(), failed()
		if t == 0 {
			return CheckResult{Status: StatusHealthy, Message: "no sessions yet"}
		}
		ratio := float64(f) / float64(t)
		if ratio > maxRatio {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d sessions failed", f, t),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d of %d sessions failed", f, t)}
	}
}
