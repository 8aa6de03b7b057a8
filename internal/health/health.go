// Package health reports service health over HTTP for container probes.
package health

import (
	"context"
	"time"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult contains the result of a single component check
type CheckResult struct {
	Component string      `json:"component"`
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	Critical  bool        `json:"critical"`
}

// Checker performs one component health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
}

// Overall is the aggregate service health
type Overall struct {
	Status     string                 `json:"status"`
	Timestamp  int64                  `json:"timestamp"`
	Components map[string]CheckResult `json:"components"`
}

// Manager runs registered checkers and aggregates their results
type Manager struct {
	checkers []Checker
}

// NewManager creates a manager with the given checkers
func NewManager(checkers ...Checker) *Manager {
	return &Manager{checkers: checkers}
}

// GetOverallHealth runs every checker. A failing critical checker marks the
// service unhealthy; a failing non-critical one only degrades it.
func (m *Manager) GetOverallHealth(ctx context.Context) Overall {
	overall := Overall{
		Status:     StatusHealthy.String(),
		Timestamp:  time.Now().Unix(),
		Components: make(map[string]CheckResult, len(m.checkers)),
	}

	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		overall.Components[checker.Name()] = result
		if result.Status == StatusHealthy {
			continue
		}
		if checker.IsCritical() {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	overall.Status = status.String()
	return overall
}

// IsReady reports whether every critical checker passes
func (m *Manager) IsReady(ctx context.Context) bool {
	for _, checker := range m.checkers {
		if !checker.IsCritical() {
			continue
		}
		if checker.Check(ctx).Status != StatusHealthy {
			return false
		}
	}
	return true
}

// ConnChecker reports broker connectivity
type ConnChecker struct {
	name      string
	critical  bool
	connected func() bool
}

// NewConnChecker builds a checker over a connectivity probe
func NewConnChecker(name string, critical bool, connected func() bool) *ConnChecker {
	return &ConnChecker{name: name, critical: critical, connected: connected}
}

func (c *ConnChecker) Name() string     { return c.name }
func (c *ConnChecker) IsCritical() bool { return c.critical }

func (c *ConnChecker) Check(context.Context) CheckResult {
	result := CheckResult{Component: c.name, Critical: c.critical}
	if c.connected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "disconnected"
	}
	return result
}
