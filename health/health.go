// Package health reports daemon component health over HTTP. Components
// register check functions; the handler aggregates them per request.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component or the aggregate.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"subStatuses,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Healthy creates a healthy status.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: statusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded creates a degraded status: functional but impaired.
func Degraded(component, message string) Status {
	return Status{Component: component, Status: statusDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy creates an unhealthy status.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Status: statusUnhealthy, Message: message, Timestamp: time.Now()}
}

// CheckFunc produces a component's current status.
type CheckFunc func() Status

// Monitor aggregates registered checks.
type Monitor struct {
	system string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor named after the system it reports for.
func NewMonitor(system string) *Monitor {
	return &Monitor{system: system, checks: make(map[string]CheckFunc)}
}

// Register adds a check, replacing any prior one of the same name.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Aggregate runs every check. Any unhealthy sub-status makes the aggregate
// unhealthy; otherwise any degraded one makes it degraded.
func (m *Monitor) Aggregate() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, 0, len(names))
	for _, name := range names {
		checks = append(checks, m.checks[name])
	}
	m.mu.RUnlock()

	subs := make([]Status, 0, len(checks))
	for _, check := range checks {
		subs = append(subs, check())
	}

	agg := Healthy(m.system, "")
	for _, sub := range subs {
		switch sub.Status {
		case statusUnhealthy:
			agg = Unhealthy(m.system, sub.Component+" is unhealthy")
		case statusDegraded:
			if agg.Status == statusHealthy {
				agg = Degraded(m.system, sub.Component+" is degraded")
			}
		}
	}
	agg.SubStatuses = subs
	return agg
}

// Handler serves the aggregate as JSON. Unhealthy aggregates return 503 so
// orchestrators can act on the status code alone.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		agg := m.Aggregate()
		w.Header().Set("Content-Type", "application/json")
		if agg.Status == statusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(agg)
	})
}
