// Package health aggregates component liveness checks and builds the
// readiness payload served next to the supervisor snapshot.
package health

import (
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/safety"
)

// Manager aggregates health status from registered components.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
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

// IsHealthy returns true when every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Readiness is the payload served by the readiness endpoint: the supervisor
// snapshot plus per-component health. Trading is ready only in RUN mode with
// every component healthy.
type Readiness struct {
	Ready      bool              `json:"ready"`
	Mode       safety.Mode       `json:"mode"`
	SafeMode   bool              `json:"safe_mode"`
	HoldReason string            `json:"hold_reason,omitempty"`
	Components map[string]string `json:"components"`
	Ts         time.Time         `json:"ts"`
}

// BuildReadiness combines the supervisor snapshot with component health.
func (m *Manager) BuildReadiness(snap safety.Snapshot) Readiness {
	components := m.GetStatus()
	ready := snap.Mode == safety.ModeRun
	for _, status := range components {
		if status != "Healthy" {
			ready = false
			break
		}
	}
	return Readiness{
		Ready:      ready,
		Mode:       snap.Mode,
		SafeMode:   snap.SafeMode,
		HoldReason: snap.HoldReason,
		Components: components,
		Ts:         time.Now(),
	}
}
