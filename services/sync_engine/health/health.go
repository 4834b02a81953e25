// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health monitors the sync engine's moving parts.
//
// Each component reports operation outcomes and latencies through
// Monitor.Record. The monitor keeps rolling EWMA metrics per component,
// evaluates status tiers, raises deduplicated alerts, trips per-component
// circuit breakers, and walks an escalating recovery ladder when a
// component goes critical.
package health

import (
	"time"
)

// =============================================================================
// Components
// =============================================================================

// Component identifies a monitored part of the sync engine.
type Component int

const (
	// ComponentSyncEngine is event admission, screening, and batching.
	ComponentSyncEngine Component = iota

	// ComponentDataBinding is subscriber broadcast and delivery.
	ComponentDataBinding

	// ComponentConflictResolution is classification plus strategy execution.
	ComponentConflictResolution

	// ComponentPerformance is debounce drain and batch throughput.
	ComponentPerformance
)

// AllComponents enumerates every monitored component.
var AllComponents = []Component{
	ComponentSyncEngine, ComponentDataBinding,
	ComponentConflictResolution, ComponentPerformance,
}

// String returns the wire name of the component.
func (c Component) String() string {
	switch c {
	case ComponentSyncEngine:
		return "sync_engine"
	case ComponentDataBinding:
		return "data_binding"
	case ComponentConflictResolution:
		return "conflict_resolution"
	case ComponentPerformance:
		return "performance"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the component as its wire name.
func (c Component) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// =============================================================================
// Status
// =============================================================================

// Status is a component's health tier. Higher is worse.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusCritical
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func worst(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds define the three ascending tiers per metric. A component's
// status is the worst tier any metric triggers.
type Thresholds struct {
	// Latency EWMA tiers.
	LatencyDegraded  time.Duration
	LatencyUnhealthy time.Duration
	LatencyCritical  time.Duration

	// Error-rate EWMA tiers (0..1).
	ErrorRateDegraded  float64
	ErrorRateUnhealthy float64
	ErrorRateCritical  float64

	// Inverse per-tick throughput tiers: a tick whose event count is at or
	// below a tier takes that status. Lower counts are worse.
	ThroughputDegraded  int64
	ThroughputUnhealthy int64
	ThroughputCritical  int64

	// Minimum events per tick before throughput is considered at all; a
	// quiet component is not an unhealthy component. Zero disables the
	// throughput tiers entirely.
	ThroughputFloor int64
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyDegraded:     50 * time.Millisecond,
		LatencyUnhealthy:    200 * time.Millisecond,
		LatencyCritical:     time.Second,
		ErrorRateDegraded:   0.05,
		ErrorRateUnhealthy:  0.15,
		ErrorRateCritical:   0.40,
		ThroughputDegraded:  3,
		ThroughputUnhealthy: 2,
		ThroughputCritical:  1,
		ThroughputFloor:     1,
	}
}

// =============================================================================
// Component Health
// =============================================================================

// EWMA smoothing factors. Latency reacts faster than error rate so a
// latency spike surfaces within a handful of samples.
const (
	latencyAlpha   = 0.1
	errorRateAlpha = 0.05
)

// ComponentHealth is one component's rolling state.
type ComponentHealth struct {
	Component        Component     `json:"component"`
	Status           Status        `json:"status"`
	LatencyEWMA      time.Duration `json:"latency_ewma"`
	ErrorRateEWMA    float64       `json:"error_rate_ewma"`
	Throughput       int64         `json:"throughput"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorAt      time.Time     `json:"last_error_at,omitzero"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	IsRecovering     bool          `json:"is_recovering"`
}

// record folds one sample into the rolling metrics.
//
//	latency'    = 0.9*latency + 0.1*sample
//	error_rate' = 0.95*error_rate + 0.05*(1 if failure else 0)
func (h *ComponentHealth) record(latency time.Duration, err error, now time.Time) {
	h.LatencyEWMA = time.Duration(
		(1-latencyAlpha)*float64(h.LatencyEWMA) + latencyAlpha*float64(latency))

	failure := 0.0
	if err != nil {
		failure = 1.0
		h.LastError = err.Error()
		h.LastErrorAt = now
	}
	h.ErrorRateEWMA = (1-errorRateAlpha)*h.ErrorRateEWMA + errorRateAlpha*failure
	h.Throughput++
}

// evaluate recomputes the status tier from the rolling metrics.
func (h *ComponentHealth) evaluate(t Thresholds) Status {
	status := StatusHealthy

	switch {
	case h.LatencyEWMA >= t.LatencyCritical:
		status = worst(status, StatusCritical)
	case h.LatencyEWMA >= t.LatencyUnhealthy:
		status = worst(status, StatusUnhealthy)
	case h.LatencyEWMA >= t.LatencyDegraded:
		status = worst(status, StatusDegraded)
	}

	switch {
	case h.ErrorRateEWMA >= t.ErrorRateCritical:
		status = worst(status, StatusCritical)
	case h.ErrorRateEWMA >= t.ErrorRateUnhealthy:
		status = worst(status, StatusUnhealthy)
	case h.ErrorRateEWMA >= t.ErrorRateDegraded:
		status = worst(status, StatusDegraded)
	}

	if t.ThroughputFloor > 0 && h.Throughput >= t.ThroughputFloor {
		switch {
		case h.Throughput <= t.ThroughputCritical:
			status = worst(status, StatusCritical)
		case h.Throughput <= t.ThroughputUnhealthy:
			status = worst(status, StatusUnhealthy)
		case h.Throughput <= t.ThroughputDegraded:
			status = worst(status, StatusDegraded)
		}
	}

	h.Status = status
	return status
}

// reset clears rolling state after a restart recovery.
func (h *ComponentHealth) reset() {
	h.Status = StatusHealthy
	h.LatencyEWMA = 0
	h.ErrorRateEWMA = 0
	h.Throughput = 0
	h.LastError = ""
	h.LastErrorAt = time.Time{}
}
