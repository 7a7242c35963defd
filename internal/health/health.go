// Package health aggregates dependency probes for the health endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult is one probe outcome.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the full health response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Manager runs registered checkers with a per-probe timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{timeout: 3 * time.Second, logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Check runs all probes and aggregates the report. Any failed probe
// degrades the overall status.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	report := Report{Status: "healthy", Checks: make(map[string]CheckResult, len(checkers))}
	for _, c := range checkers {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.Check(probeCtx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Checks[c.Name()] = CheckResult{Status: "unhealthy", Error: err.Error()}
			m.logger.Warn("Health check failed", zap.String("check", c.Name()), zap.Error(err))
			continue
		}
		report.Checks[c.Name()] = CheckResult{Status: "healthy"}
	}
	return report
}

// Handler serves the health report. Degraded reports return 503 so load
// balancers stop routing.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		status := http.StatusOK
		if report.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// Pinger is anything with a context-aware ping, e.g. the vector store
// or the shared cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger into a named checker.
type PingChecker struct {
	name   string
	target Pinger
}

func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (p *PingChecker) Name() string                    { return p.name }
func (p *PingChecker) Check(ctx context.Context) error { return p.target.Ping(ctx) }

// FuncChecker adapts a bare function into a checker.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (f *FuncChecker) Name() string                    { return f.name }
func (f *FuncChecker) Check(ctx context.Context) error { return f.fn(ctx) }
