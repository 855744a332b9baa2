// Package health reports whether the agent can do useful work: rules are
// loaded, outputs are reachable, and the host has room for reports.
//
// A Checker runs registered checks concurrently, each under its own
// timeout, and serves the aggregate on /livez, /readyz and /healthz.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the health of one component or of the agent as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check registered without one.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one check.
type Result struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

// Component is a named check. A failing critical component makes the
// agent unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker holds components and their latest results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]Result
	started    time.Time
	ready      bool
	now        func() time.Time
}

// NewChecker returns a checker that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]Result),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(comp Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = &comp
	c.results[comp.Name] = Result{Status: StatusUnknown}
}

// SetReady marks the agent ready (rules loaded, outputs opened).
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports the readiness flag.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and returns the new results.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(comps))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.run(ctx, comp)
			mu.Lock()
			results[comp.Name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = res
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check, converting a panic or timeout into an
// unhealthy result.
func (c *Checker) run(ctx context.Context, comp *Component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = c.now().Sub(start)
	return res
}

// Results returns a copy of the latest results.
func (c *Checker) Results() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Overall aggregates the latest results. An unchecked critical component
// leaves the agent unknown.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, res := range c.results {
		comp := c.components[name]
		switch res.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			status = StatusDegraded
		case StatusUnknown:
			if comp.Critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Response is the body of /healthz.
type Response struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs the checks and builds a response. Component results are
// included when full is set.
func (c *Checker) Report(ctx context.Context, full bool) Response {
	results := c.Run(ctx)
	if !full {
		results = nil
	}
	c.mu.RLock()
	ready, started := c.ready, c.started
	c.mu.RUnlock()

	return Response{
		Status:     c.Overall(),
		Ready:      ready,
		Uptime:     c.now().Sub(started).Truncate(time.Second).String(),
		Components: results,
		Timestamp:  c.now(),
	}
}

// Mount registers the probe handlers on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.Handle("/livez", c.LivenessHandler())
	mux.Handle("/readyz", c.ReadinessHandler())
	mux.Handle("/healthz", c.HealthHandler())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process is serving.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": c.now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true), and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": c.now()})
			return
		}
		status := c.Overall()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": c.now()})
	})
}

// HealthHandler runs every check. ?full=true includes per-component results.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PingCheck wraps a connectivity probe such as a Redis PING.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "reachable"}
	}
}

// RulesCheck is degraded when a rule engine has nothing loaded.
func RulesCheck(counts func() map[string]int) Check {
	return func(context.Context) Result {
		details := make(map[string]any)
		status := StatusHealthy
		for engine, n := range counts() {
			details[engine] = n
			if n == 0 {
				status = StatusDegraded
			}
		}
		msg := "rules loaded"
		if status != StatusHealthy {
			msg = "an engine has no rules"
		}
		return Result{Status: status, Message: msg, Details: details}
	}
}

// DiskSpaceCheck is degraded when the filesystem holding path has less
// than minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) Result {
		usage, err := disk.UsageWithContext(ctx, existingParent(path))
		if err != nil {
			return Result{Status: StatusUnknown, Message: "disk usage unavailable", Error: err.Error()}
		}
		details := map[string]any{"path": usage.Path, "free_bytes": usage.Free, "min_free_bytes": minFree}
		if usage.Free < minFree {
			return Result{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return Result{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}

// MemoryCheck is degraded when host memory use exceeds maxPercent.
func MemoryCheck(maxPercent float64) Check {
	return func(ctx context.Context) Result {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return Result{Status: StatusUnknown, Message: "memory stats unavailable", Error: err.Error()}
		}
		details := map[string]any{"used_percent": vm.UsedPercent, "max_percent": maxPercent}
		if vm.UsedPercent > maxPercent {
			return Result{Status: StatusDegraded, Message: "memory pressure", Details: details}
		}
		return Result{Status: StatusHealthy, Message: "memory ok", Details: details}
	}
}

// WritableDirCheck is unhealthy when a file cannot be created in dir.
func WritableDirCheck(dir string) Check {
	return func(context.Context) Result {
		f, err := os.CreateTemp(dir, ".edrcore-health-*")
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "not writable", Error: err.Error(),
				Details: map[string]any{"dir": dir}}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Result{Status: StatusHealthy, Message: "writable", Details: map[string]any{"dir": dir}}
	}
}

// existingParent walks up from path to the nearest existing directory.
func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
