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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Monitor Configuration
// =============================================================================

// MonitorConfig bundles the monitor's tuning knobs.
type MonitorConfig struct {
	Thresholds Thresholds
	Breaker    CircuitBreakerConfig
	Recovery   RecoveryConfig

	// TickInterval is the periodic evaluation cadence (default: 5s).
	TickInterval time.Duration

	// AlertRetention is how long resolved alerts stay queryable
	// (default: 10m).
	AlertRetention time.Duration
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Thresholds:     DefaultThresholds(),
		Breaker:        DefaultCircuitBreakerConfig(),
		Recovery:       DefaultRecoveryConfig(),
		TickInterval:   5 * time.Second,
		AlertRetention: 10 * time.Minute,
	}
}

// HealthCallback receives a component's health after a status change.
type HealthCallback func(ComponentHealth)

// HealthReport is the full point-in-time diagnostic surface.
type HealthReport struct {
	Status          Status                            `json:"status"`
	GeneratedAt     time.Time                         `json:"generated_at"`
	Components      map[string]ComponentHealth        `json:"components"`
	Breakers        map[string]CircuitBreakerState    `json:"breakers"`
	ActiveAlerts    []Alert                           `json:"active_alerts"`
	Recommendations []string                          `json:"recommendations,omitempty"`
}

// =============================================================================
// Monitor
// =============================================================================

// Monitor tracks rolling health per component and reacts to degradation.
//
// # Description
//
// Every operation outcome flows through Record, which updates the
// component's EWMA metrics and its circuit breaker. A periodic tick
// re-evaluates status tiers, raises or resolves alerts, sweeps aged
// alerts, and triggers the recovery ladder for critical components.
// Allow gives callers a fail-fast check against the breaker before
// starting expensive work.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	config MonitorConfig
	clock  func() time.Time
	logger *slog.Logger

	alerts   *alertManager
	recovery *recoveryManager

	mu       sync.Mutex
	health   map[Component]*ComponentHealth
	breakers map[Component]*CircuitBreaker

	cbMu      sync.RWMutex
	callbacks []HealthCallback

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	timersMu sync.Mutex
	timers   []*time.Timer
}

// NewMonitor creates a monitor with one breaker per component.
//
// Inputs:
//   - config: Tuning knobs; zero durations fall back to defaults.
//   - target: Recovery hooks, typically the engine. May be nil to disable
//     auto-recovery.
//   - clock: Time source (nil means time.Now).
//   - deferFn: Delayed-execution hook for scheduled reverts (nil means
//     time.AfterFunc, tracked for Stop).
//   - logger: Structured logger (nil means slog.Default).
func NewMonitor(config MonitorConfig, target RecoveryTarget, clock func() time.Time, deferFn func(time.Duration, func()), logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = 10 * time.Minute
	}

	m := &Monitor{
		config:   config,
		clock:    clock,
		logger:   logger,
		health:   make(map[Component]*ComponentHealth),
		breakers: make(map[Component]*CircuitBreaker),
		done:     make(chan struct{}),
	}
	if deferFn == nil {
		deferFn = m.afterFunc
	}

	m.alerts = newAlertManager(config.AlertRetention, clock, logger)
	if target != nil {
		m.recovery = newRecoveryManager(config.Recovery, target, clock, deferFn, logger)
	}

	for _, c := range AllComponents {
		m.health[c] = &ComponentHealth{Component: c, Status: StatusHealthy}
		br := NewCircuitBreaker(config.Breaker, clock)
		m.installBreakerAlerts(c, br)
		m.breakers[c] = br
	}
	return m
}

// installBreakerAlerts wires breaker transitions into the alert stream.
// An open transition is a critical alert, and critical alerts invoke the
// recovery ladder immediately rather than waiting for the next tick.
func (m *Monitor) installBreakerAlerts(c Component, br *CircuitBreaker) {
	br.OnTransition(func(from, to CircuitState) {
		switch to {
		case CircuitOpen:
			m.alerts.raise(c, AlertCritical,
				fmt.Sprintf("circuit breaker opened after consecutive failures (%s -> %s)", from, to))
			m.maybeRecover(c)
		case CircuitClosed:
			m.alerts.resolveMatching(c, AlertCritical)
			m.alerts.raise(c, AlertInfo, "circuit breaker closed, component recovered")
		}
	})
}

// afterFunc is the production deferFn; timers are tracked so Stop can
// cancel pending reverts.
func (m *Monitor) afterFunc(d time.Duration, fn func()) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	m.timers = append(m.timers, time.AfterFunc(d, fn))
}

// Start launches the periodic evaluation loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop and cancels pending timers.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()

	m.timersMu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.timersMu.Unlock()
}

// Subscribe registers a callback for component status changes.
func (m *Monitor) Subscribe(cb HealthCallback) func() {
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

// SubscribeAlerts registers a callback for raised alerts.
func (m *Monitor) SubscribeAlerts(cb AlertCallback) func() {
	return m.alerts.subscribe(cb)
}

// Allow fail-fasts against the component's circuit breaker.
//
// Outputs:
//   - error: ErrCircuitOpen when the component is failing fast, else nil.
func (m *Monitor) Allow(c Component) error {
	m.mu.Lock()
	br := m.breakers[c]
	m.mu.Unlock()
	if br == nil {
		return nil
	}
	return br.Allow()
}

// Record folds one operation outcome into the component's rolling health
// and its breaker.
func (m *Monitor) Record(c Component, latency time.Duration, err error) {
	now := m.clock()

	m.mu.Lock()
	h, ok := m.health[c]
	if !ok {
		h = &ComponentHealth{Component: c, Status: StatusHealthy}
		m.health[c] = h
	}
	h.record(latency, err, now)
	br := m.breakers[c]
	m.mu.Unlock()

	if br != nil {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}
}

// Tick runs one evaluation pass: re-evaluate every component, raise or
// resolve alerts, trigger recovery for critical components, sweep aged
// alerts, and reset per-tick throughput counters.
func (m *Monitor) Tick() {
	m.alerts.sweep()

	type change struct {
		snapshot ComponentHealth
		prev     Status
	}
	var changes []change
	var criticals []Component

	m.mu.Lock()
	for _, c := range AllComponents {
		h := m.health[c]
		prev := h.Status
		status := h.evaluate(m.config.Thresholds)

		if m.recovery != nil {
			h.RecoveryAttempts = m.recovery.attemptCount(c)
			h.IsRecovering = m.recovery.isRecovering(c)
		}

		if status != prev {
			changes = append(changes, change{snapshot: *h, prev: prev})
		}
		// A component newly critical recovers through its critical alert in
		// onStatusChange; only persisting criticals walk the ladder here.
		if status >= StatusCritical && status == prev {
			criticals = append(criticals, c)
		}
		h.Throughput = 0
	}
	m.mu.Unlock()

	for _, ch := range changes {
		m.onStatusChange(ch.snapshot, ch.prev)
	}
	for _, c := range criticals {
		m.maybeRecover(c)
	}
}

// onStatusChange raises/resolves alerts and notifies subscribers.
func (m *Monitor) onStatusChange(h ComponentHealth, prev Status) {
	m.logger.Info("component status changed",
		slog.String("component", h.Component.String()),
		slog.String("from", prev.String()),
		slog.String("to", h.Status.String()),
	)

	switch h.Status {
	case StatusHealthy:
		m.alerts.resolveMatching(h.Component, AlertError)
		if prev >= StatusUnhealthy {
			m.alerts.raise(h.Component, AlertInfo, "component returned to healthy")
		}
		if m.recovery != nil {
			m.recovery.noteSuccess(h.Component)
		}
	case StatusDegraded:
		m.alerts.raise(h.Component, AlertWarning,
			fmt.Sprintf("component degraded: latency %s, error rate %.3f, throughput %d",
				h.LatencyEWMA, h.ErrorRateEWMA, h.Throughput))
	case StatusUnhealthy:
		m.alerts.raise(h.Component, AlertError,
			fmt.Sprintf("component unhealthy: latency %s, error rate %.3f, throughput %d",
				h.LatencyEWMA, h.ErrorRateEWMA, h.Throughput))
	case StatusCritical:
		m.alerts.raise(h.Component, AlertCritical,
			fmt.Sprintf("component critical: latency %s, error rate %.3f, throughput %d",
				h.LatencyEWMA, h.ErrorRateEWMA, h.Throughput))
		m.maybeRecover(h.Component)
	}

	m.notify(h)
}

// maybeRecover triggers the recovery ladder. Reached from every critical
// alert (breaker open, critical status change) and from the tick pass for
// components that stay critical; the manager's cooldown spaces the attempts.
func (m *Monitor) maybeRecover(c Component) {
	if m.recovery == nil {
		return
	}
	if m.recovery.exhausted(c) {
		m.alerts.raise(c, AlertCritical,
			"automatic recovery exhausted, external intervention required")
		return
	}

	result := m.recovery.trigger(c, "critical alert")
	if !result.Succeeded {
		if result.Reason != "recovery cooling down" && result.Reason != "recovery already in progress" {
			m.logger.Warn("recovery attempt failed",
				slog.String("component", c.String()),
				slog.String("action", result.Action.String()),
				slog.String("reason", result.Reason),
			)
		}
		return
	}

	m.alerts.raise(c, AlertInfo,
		fmt.Sprintf("recovery action %q executed (attempt %d)", result.Action, result.Attempt+1))
}

// ResetComponent clears a component's rolling state and breaker. Used by
// the restart recovery rung and by operator intervention.
func (m *Monitor) ResetComponent(c Component) {
	m.mu.Lock()
	if h, ok := m.health[c]; ok {
		h.reset()
	}
	br := m.breakers[c]
	m.mu.Unlock()

	if br != nil {
		br.Reset()
	}
	if m.recovery != nil {
		m.recovery.noteSuccess(c)
	}
	m.alerts.resolveMatching(c, AlertCritical)
}

// ResolveAlert marks one alert resolved by id.
func (m *Monitor) ResolveAlert(id string) bool {
	return m.alerts.resolve(id)
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	return m.alerts.active()
}

// ComponentSnapshot returns one component's rolling health.
func (m *Monitor) ComponentSnapshot(c Component) ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[c]; ok {
		return *h
	}
	return ComponentHealth{Component: c, Status: StatusHealthy}
}

// Status returns the worst status across all components.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := StatusHealthy
	for _, h := range m.health {
		status = worst(status, h.Status)
	}
	return status
}

// Report builds the full diagnostic report.
func (m *Monitor) Report() HealthReport {
	m.mu.Lock()
	components := make(map[string]ComponentHealth, len(m.health))
	breakers := make(map[string]CircuitBreakerState, len(m.breakers))
	overall := StatusHealthy
	for c, h := range m.health {
		components[c.String()] = *h
		overall = worst(overall, h.Status)
	}
	for c, br := range m.breakers {
		breakers[c.String()] = br.Snapshot()
	}
	m.mu.Unlock()

	report := HealthReport{
		Status:       overall,
		GeneratedAt:  m.clock(),
		Components:   components,
		Breakers:     breakers,
		ActiveAlerts: m.alerts.active(),
	}
	report.Recommendations = m.recommendations(components, breakers)
	return report
}

// recommendations derives operator guidance from the current state.
func (m *Monitor) recommendations(components map[string]ComponentHealth, breakers map[string]CircuitBreakerState) []string {
	var recs []string
	for name, h := range components {
		switch {
		case h.Status >= StatusCritical && h.RecoveryAttempts >= m.config.Recovery.MaxAttempts:
			recs = append(recs, fmt.Sprintf("%s: automatic recovery exhausted, inspect logs and reset manually", name))
		case h.Status >= StatusUnhealthy && h.ErrorRateEWMA >= m.config.Thresholds.ErrorRateUnhealthy:
			recs = append(recs, fmt.Sprintf("%s: sustained error rate %.2f, check downstream subscribers", name, h.ErrorRateEWMA))
		case h.Status >= StatusDegraded && h.LatencyEWMA >= m.config.Thresholds.LatencyDegraded:
			recs = append(recs, fmt.Sprintf("%s: latency trending up (%s), consider widening the debounce window", name, h.LatencyEWMA))
		}
	}
	for name, br := range breakers {
		if br.IsOpen {
			recs = append(recs, fmt.Sprintf("%s: circuit open until %s, traffic is failing fast", name, br.NextRetryTime.Format(time.RFC3339)))
		}
	}
	return recs
}

func (m *Monitor) notify(h ComponentHealth) {
	m.cbMu.RLock()
	callbacks := make([]HealthCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(h)
		}
	}
}
