// Package health folds capture outcomes into per-display health.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("health")

// DegradedReinits is the number of consecutive reinits after which a
// display is reported degraded.
const DegradedReinits = 3

// Status represents the health of one display session.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check is the latest health of a named display.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Reinits   int       `json:"consecutiveReinits"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health for multiple display sessions.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records status for name. Invalid statuses are stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.checks[name]
	m.set(name, status, message, c.Reinits)
}

func (m *Monitor) set(name string, status Status, message string, reinits int) {
	if !status.IsValid() {
		message = fmt.Sprintf("invalid status %q: %s", status, message)
		status = Unhealthy
	}
	prev, seen := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		Reinits:   reinits,
		UpdatedAt: time.Now(),
	}
	if status != Healthy && (!seen || prev.Status != status) {
		log.Warn("Display health changed", logging.KeyDisplay, name, "status", string(status), "message", message)
	}
}

// Observe folds one capture outcome into the display's health. A delivered
// frame is healthy, an error unhealthy, and DegradedReinits reinits in a row
// degraded. Timeouts only mean the screen was idle.
func (m *Monitor) Observe(name string, status capture.CaptureStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, seen := m.checks[name]
	if !seen {
		c.Status = Unknown
	}
	switch status {
	case capture.StatusOK:
		m.set(name, Healthy, "", 0)
	case capture.StatusTimeout:
		m.set(name, c.Status, c.Message, c.Reinits)
	case capture.StatusReinit:
		n := c.Reinits + 1
		if n >= DegradedReinits {
			m.set(name, Degraded, fmt.Sprintf("%d consecutive session reinits", n), n)
		} else {
			m.set(name, c.Status, c.Message, n)
		}
	default:
		m.set(name, Unhealthy, "capture failed with status "+status.String(), c.Reinits)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all displays, or Unknown when
// nothing has been observed.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Summary returns the overall status and per-display statuses, read under
// one lock so they agree.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
