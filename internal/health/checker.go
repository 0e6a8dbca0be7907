// Package health aggregates dependency probes for the HTTP and gRPC health endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"fielddiag/internal/util"
	"fielddiag/internal/version"
)

type CheckFunc func(ctx context.Context) error

type Report struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version version.Info      `json:"version"`
}

func (r Report) OK() bool { return r.Status == "ok" }

type Checker struct {
	mu      sync.RWMutex
	names   []string
	checks  map[string]CheckFunc
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{checks: map[string]CheckFunc{}, timeout: timeout}
}

func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[name]; !exists {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.checks[name] = fn
}

// Check runs every probe concurrently, each bounded by the checker timeout.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := append([]string(nil), c.names...)
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, fn CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := fn(cctx); err != nil {
				results[i] = "error: " + err.Error()
				return
			}
			results[i] = "ok"
		}(i, checks[name])
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(names)), Version: version.Current()}
	for i, name := range names {
		rep.Checks[name] = results[i]
		if results[i] != "ok" {
			rep.Status = "degraded"
		}
	}
	return rep
}

// LiveHandler reports process liveness without touching dependencies.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
	}
}

func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		status := http.StatusOK
		if !rep.OK() {
			status = http.StatusServiceUnavailable
		}
		util.WriteJSON(w, status, rep)
	}
}
