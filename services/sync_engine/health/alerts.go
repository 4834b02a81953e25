// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Alerts
// =============================================================================

// AlertSeverity ranks alerts. Info alerts self-resolve; higher severities
// require explicit resolution or a successful recovery.
type AlertSeverity int

const (
	AlertInfo AlertSeverity = iota
	AlertWarning
	AlertError
	AlertCritical
)

// String returns the wire name of the severity.
func (s AlertSeverity) String() string {
	switch s {
	case AlertInfo:
		return "info"
	case AlertWarning:
		return "warning"
	case AlertError:
		return "error"
	case AlertCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity as its wire name.
func (s AlertSeverity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Alert is one raised condition on a component.
type Alert struct {
	ID         string        `json:"id"`
	RaisedAt   time.Time     `json:"raised_at"`
	Severity   AlertSeverity `json:"severity"`
	Component  Component     `json:"component"`
	Message    string        `json:"message"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt time.Time     `json:"resolved_at,omitzero"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// AlertCallback receives alerts as they are raised.
type AlertCallback func(Alert)

// =============================================================================
// Alert Manager
// =============================================================================

// infoGracePeriod is how long info alerts live before self-resolving.
const infoGracePeriod = 60 * time.Second

// alertManager raises, deduplicates, resolves, and sweeps alerts.
//
// Dedup rule: no second unresolved alert with identical
// (component, message, severity) is created; the duplicate raise is
// dropped and the existing alert's id returned.
//
// Thread Safety: Safe for concurrent use.
type alertManager struct {
	mu        sync.Mutex
	alerts    []*Alert
	retention time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	cbMu      sync.RWMutex
	callbacks []AlertCallback
}

func newAlertManager(retention time.Duration, clock func() time.Time, logger *slog.Logger) *alertManager {
	return &alertManager{
		retention: retention,
		clock:     clock,
		logger:    logger,
	}
}

// subscribe registers a callback for raised alerts.
func (m *alertManager) subscribe(cb AlertCallback) func() {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	idx := len(m.callbacks) - 1
	m.cbMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.cbMu.Lock()
			m.callbacks[idx] = nil
			m.cbMu.Unlock()
		})
	}
}

// raise creates an alert unless an identical one is already unresolved.
//
// Outputs:
//   - Alert: The created or existing alert.
//   - bool: True when a new alert was created.
func (m *alertManager) raise(component Component, severity AlertSeverity, message string) (Alert, bool) {
	m.mu.Lock()
	for _, a := range m.alerts {
		if !a.Resolved && a.Component == component && a.Message == message && a.Severity == severity {
			existing := *a
			m.mu.Unlock()
			return existing, false
		}
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		RaisedAt:  m.clock(),
		Severity:  severity,
		Component: component,
		Message:   message,
	}
	m.alerts = append(m.alerts, alert)
	created := *alert
	m.mu.Unlock()

	m.logger.Log(context.Background(), slogLevel(severity), "alert raised",
		slog.String("alert_id", created.ID),
		slog.String("component", component.String()),
		slog.String("severity", severity.String()),
		slog.String("message", message),
	)
	m.notify(created)
	return created, true
}

// resolveMatching marks unresolved alerts for a component as resolved,
// optionally filtered by severity ceiling (used after successful recovery).
func (m *alertManager) resolveMatching(component Component, maxSeverity AlertSeverity) int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.alerts {
		if !a.Resolved && a.Component == component && a.Severity <= maxSeverity {
			a.Resolved = true
			a.ResolvedAt = now
			a.Duration = now.Sub(a.RaisedAt)
			n++
		}
	}
	return n
}

// resolve marks a single alert resolved by id.
func (m *alertManager) resolve(id string) bool {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = now
			a.Duration = now.Sub(a.RaisedAt)
			return true
		}
	}
	return false
}

// sweep self-resolves aged info alerts and drops resolved alerts past the
// retention window. Called from the monitor tick.
func (m *alertManager) sweep() {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.Resolved && a.Severity == AlertInfo && now.Sub(a.RaisedAt) >= infoGracePeriod {
			a.Resolved = true
			a.ResolvedAt = now
			a.Duration = now.Sub(a.RaisedAt)
		}
		if a.Resolved && now.Sub(a.ResolvedAt) > m.retention {
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
}

// active returns unresolved alerts, newest first.
func (m *alertManager) active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if !m.alerts[i].Resolved {
			out = append(out, *m.alerts[i])
		}
	}
	return out
}

func (m *alertManager) notify(alert Alert) {
	m.cbMu.RLock()
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(alert)
		}
	}
}

// slogLevel maps alert severity onto log levels.
func slogLevel(s AlertSeverity) slog.Level {
	switch s {
	case AlertInfo:
		return slog.LevelInfo
	case AlertWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
