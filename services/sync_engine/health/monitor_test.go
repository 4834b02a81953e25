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
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestMonitor(target RecoveryTarget) (*Monitor, *breakerClock) {
	clock := &breakerClock{now: time.Unix(0, 0)}
	deferFn := func(d time.Duration, fn func()) {}
	m := NewMonitor(DefaultMonitorConfig(), target, clock.time, deferFn, discardLogger())
	return m, clock
}

func alertMessages(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Message
	}
	return out
}

func countMatching(alerts []Alert, component Component, substr string) int {
	n := 0
	for _, a := range alerts {
		if a.Component == component && strings.Contains(a.Message, substr) {
			n++
		}
	}
	return n
}

func TestMonitor_BreakerOpenRaisesOneCriticalAlert(t *testing.T) {
	m, _ := newTestMonitor(nil)
	failure := errors.New("broadcast failed")

	for i := 0; i < 5; i++ {
		m.Record(ComponentDataBinding, time.Millisecond, failure)
	}

	if err := m.Allow(ComponentDataBinding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}
	got := countMatching(m.ActiveAlerts(), ComponentDataBinding, "circuit breaker opened")
	if got != 1 {
		t.Errorf("breaker-open alerts = %d, want exactly 1 (alerts: %v)",
			got, alertMessages(m.ActiveAlerts()))
	}
}

func TestMonitor_BreakerRecoveryResolvesAndRaisesInfo(t *testing.T) {
	m, clock := newTestMonitor(nil)
	failure := errors.New("broadcast failed")

	for i := 0; i < 5; i++ {
		m.Record(ComponentDataBinding, time.Millisecond, failure)
	}
	clock.advance(31 * time.Second)
	if err := m.Allow(ComponentDataBinding); err != nil {
		t.Fatalf("trial Allow() = %v", err)
	}
	for i := 0; i < 3; i++ {
		m.Record(ComponentDataBinding, time.Millisecond, nil)
	}

	alerts := m.ActiveAlerts()
	if countMatching(alerts, ComponentDataBinding, "circuit breaker opened") != 0 {
		t.Errorf("breaker-open alert not resolved on close: %v", alertMessages(alerts))
	}
	if countMatching(alerts, ComponentDataBinding, "circuit breaker closed") != 1 {
		t.Errorf("expected one breaker-closed info alert, got: %v", alertMessages(alerts))
	}
}

func TestMonitor_BreakerOpenTriggersRecovery(t *testing.T) {
	target := &fakeTarget{}
	m, _ := newTestMonitor(target)
	failure := errors.New("broadcast failed")

	for i := 0; i < 5; i++ {
		m.Record(ComponentDataBinding, time.Millisecond, failure)
	}

	// The open transition's critical alert walks the recovery ladder on its
	// own; no tick has run and the error EWMA sits below the critical tier.
	if len(target.restarts) != 1 || target.restarts[0] != ComponentDataBinding {
		t.Fatalf("restarts = %v, want one for data_binding", target.restarts)
	}
	snap := m.ComponentSnapshot(ComponentDataBinding)
	if snap.ErrorRateEWMA >= DefaultThresholds().ErrorRateCritical {
		t.Fatalf("ErrorRateEWMA = %f, breaker must trip below the critical status tier",
			snap.ErrorRateEWMA)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentDataBinding, "recovery action"); got != 1 {
		t.Errorf("recovery info alerts = %d, want 1 (alerts: %v)",
			got, alertMessages(m.ActiveAlerts()))
	}
	// The stub target never resets the monitor, so the breaker stays open.
	if err := m.Allow(ComponentDataBinding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestMonitor_LowThroughputTickDegrades(t *testing.T) {
	m, _ := newTestMonitor(nil)

	// Three clean events in a tick sit at the degraded throughput tier.
	for i := 0; i < 3; i++ {
		m.Record(ComponentPerformance, time.Millisecond, nil)
	}
	m.Tick()

	if got := m.ComponentSnapshot(ComponentPerformance).Status; got != StatusDegraded {
		t.Fatalf("status = %s, want degraded", got)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentPerformance, "component degraded"); got != 1 {
		t.Errorf("degraded alerts = %d, want 1", got)
	}

	// An idle tick is not starved traffic; the component returns to healthy.
	m.Tick()

	if got := m.ComponentSnapshot(ComponentPerformance).Status; got != StatusHealthy {
		t.Errorf("status after idle tick = %s, want healthy", got)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentPerformance, "component degraded"); got != 0 {
		t.Errorf("degraded alert survived the idle tick: %v", alertMessages(m.ActiveAlerts()))
	}
}

func TestMonitor_TickRaisesStatusAlertOnce(t *testing.T) {
	m, _ := newTestMonitor(nil)

	// Two failures hold the error EWMA just over the degraded tier; the
	// trailing successes keep the tick's throughput above its own tiers.
	m.Record(ComponentPerformance, time.Millisecond, errors.New("slow drain"))
	m.Record(ComponentPerformance, time.Millisecond, errors.New("slow drain"))
	m.Record(ComponentPerformance, time.Millisecond, nil)
	m.Record(ComponentPerformance, time.Millisecond, nil)

	m.Tick()
	m.Tick() // unchanged status must not raise again

	if got := countMatching(m.ActiveAlerts(), ComponentPerformance, "component degraded"); got != 1 {
		t.Errorf("degraded alerts = %d, want 1", got)
	}
	if m.ComponentSnapshot(ComponentPerformance).Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", m.ComponentSnapshot(ComponentPerformance).Status)
	}
}

func TestMonitor_ReturnToHealthyResolvesAlerts(t *testing.T) {
	m, _ := newTestMonitor(nil)

	m.Record(ComponentPerformance, time.Millisecond, errors.New("slow drain"))
	m.Record(ComponentPerformance, time.Millisecond, errors.New("slow drain"))
	m.Record(ComponentPerformance, time.Millisecond, nil)
	m.Record(ComponentPerformance, time.Millisecond, nil)
	m.Tick()

	// Sustained successes decay the error EWMA back under the tier.
	for i := 0; i < 20; i++ {
		m.Record(ComponentPerformance, time.Millisecond, nil)
	}
	m.Tick()

	if status := m.ComponentSnapshot(ComponentPerformance).Status; status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", status)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentPerformance, "component degraded"); got != 0 {
		t.Errorf("degraded alert survived recovery: %v", alertMessages(m.ActiveAlerts()))
	}
}

func TestMonitor_CriticalTriggersRecovery(t *testing.T) {
	target := &fakeTarget{}
	m, _ := newTestMonitor(target)

	// Sustained multi-second latencies push the latency EWMA past critical
	// without a single failure, so the breaker stays out of the picture.
	for i := 0; i < 10; i++ {
		m.Record(ComponentConflictResolution, 2*time.Second, nil)
	}
	m.Tick()

	if len(target.restarts) != 1 || target.restarts[0] != ComponentConflictResolution {
		t.Fatalf("restarts = %v, want one for conflict_resolution", target.restarts)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentConflictResolution, "recovery action"); got != 1 {
		t.Errorf("recovery info alerts = %d, want 1 (alerts: %v)",
			got, alertMessages(m.ActiveAlerts()))
	}

	snap := m.ComponentSnapshot(ComponentConflictResolution)
	if snap.Status != StatusCritical {
		t.Errorf("status = %s, want critical", snap.Status)
	}
}

func TestMonitor_NilTargetDisablesRecovery(t *testing.T) {
	m, _ := newTestMonitor(nil)

	for i := 0; i < 20; i++ {
		m.Record(ComponentSyncEngine, time.Millisecond, errors.New("boom"))
	}
	m.Tick() // must not panic without a recovery target

	if got := countMatching(m.ActiveAlerts(), ComponentSyncEngine, "recovery action"); got != 0 {
		t.Errorf("recovery ran without a target: %v", alertMessages(m.ActiveAlerts()))
	}
}

func TestMonitor_ResetComponent(t *testing.T) {
	m, _ := newTestMonitor(nil)

	for i := 0; i < 20; i++ {
		m.Record(ComponentSyncEngine, time.Millisecond, errors.New("boom"))
	}
	m.Tick()
	m.ResetComponent(ComponentSyncEngine)

	snap := m.ComponentSnapshot(ComponentSyncEngine)
	if snap.Status != StatusHealthy || snap.ErrorRateEWMA != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if err := m.Allow(ComponentSyncEngine); err != nil {
		t.Errorf("Allow() after reset = %v", err)
	}
	if got := countMatching(m.ActiveAlerts(), ComponentSyncEngine, "critical"); got != 0 {
		t.Errorf("critical alerts survived reset: %v", alertMessages(m.ActiveAlerts()))
	}
	if m.Status() != StatusHealthy {
		t.Errorf("overall status = %s, want healthy", m.Status())
	}
}

func TestMonitor_ReportRecommendations(t *testing.T) {
	m, _ := newTestMonitor(nil)

	for i := 0; i < 5; i++ {
		m.Record(ComponentDataBinding, time.Millisecond, errors.New("boom"))
	}
	m.Tick()
	report := m.Report()

	if report.Status == StatusHealthy {
		t.Error("report status should reflect the failing component")
	}
	if !report.Breakers[ComponentDataBinding.String()].IsOpen {
		t.Error("report should show the data_binding breaker open")
	}
	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "circuit open") {
			found = true
		}
	}
	if !found {
		t.Errorf("no open-circuit recommendation in %v", report.Recommendations)
	}
}
