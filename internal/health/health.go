// Package health exposes liveness and readiness probes plus a per-writer
// statistics endpoint. Readiness tracks writer lifecycle: a writer that
// failed initialization, or one still initializing, makes the instance
// not-ready while the process stays live.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/stats"
	"github.com/szibis/logship/internal/writer"
)

// Status of a probe or component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck is the per-component slice of a probe response.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of the probe endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc reports nil when healthy.
type CheckFunc func() error

// Checker aggregates writer checks behind HTTP probes.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	statSources  map[string]*stats.Statistics
	shuttingDown atomic.Bool
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{
		checks:      make(map[string]CheckFunc),
		statSources: make(map[string]*stats.Statistics),
	}
}

// RegisterWriter wires a writer's lifecycle and statistics into the
// probes.
func (c *Checker) RegisterWriter(w *writer.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[w.Name()] = writerCheck(w)
	c.statSources[w.Name()] = w.Stats()
}

func writerCheck(w *writer.Writer) CheckFunc {
	return func() error {
		switch s := w.State(); s {
		case writer.StateRunning:
			return nil
		case writer.StateFailed:
			snap := w.Stats().Snapshot()
			if snap.LastError != nil {
				return fmt.Errorf("writer failed: %s", snap.LastError.Message)
			}
			return fmt.Errorf("writer failed")
		default:
			return fmt.Errorf("writer is %s", s)
		}
	}
}

// SetShuttingDown flips both probes to 503 for the rest of the process
// lifetime.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler serves the liveness probe: up unless shutting down.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, shutdownResponse())
			return
		}
		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyHandler serves the readiness probe: every registered writer must be
// running.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, shutdownResponse())
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for name, check := range c.checks {
			checks[name] = check
		}
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]ComponentCheck, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = ComponentCheck{Status: StatusUp}
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// StatsHandler serves a point-in-time snapshot of every writer's delivery
// statistics.
func (c *Checker) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		snapshots := make(map[string]stats.Snapshot, len(c.statSources))
		for name, src := range c.statSources {
			snapshots[name] = src.Snapshot()
		}
		c.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshots)
	}
}

func shutdownResponse() Response {
	return Response{
		Status:    StatusDown,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
