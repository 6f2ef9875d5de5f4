// Package health aggregates component liveness checks for the /health
// endpoint.
package health

import (
	"sync"
	"time"

	"mockexchange/internal/core"
)

// Manager aggregates health status from registered components.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a new health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{
		checks: make(map[string]func() error),
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a health check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus returns the current status of all registered components.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true when every registered component passes its check.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Component unhealthy", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

// Snapshot is the /health response body.
type Snapshot struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Time       int64             `json:"time"`
}

// Snapshot evaluates all checks once and returns the aggregated view.
func (m *Manager) Snapshot() Snapshot {
	components := m.GetStatus()
	status := "ok"
	for _, s := range components {
		if s != "Healthy" {
			status = "degraded"
			break
		}
	}
	return Snapshot{
		Status:     status,
		Components: components,
		Time:       time.Now().Unix(),
	}
}
