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
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAlertManager(retention time.Duration) (*alertManager, *breakerClock) {
	clock := &breakerClock{now: time.Unix(0, 0)}
	return newAlertManager(retention, clock.time, discardLogger()), clock
}

func TestAlertManager_Dedup(t *testing.T) {
	m, _ := newTestAlertManager(10 * time.Minute)

	first, created := m.raise(ComponentSyncEngine, AlertError, "queue backed up")
	if !created {
		t.Fatal("first raise should create an alert")
	}
	dup, created := m.raise(ComponentSyncEngine, AlertError, "queue backed up")
	if created {
		t.Error("duplicate raise created a second alert")
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate returned id %s, want %s", dup.ID, first.ID)
	}

	// A different severity is a distinct condition.
	_, created = m.raise(ComponentSyncEngine, AlertCritical, "queue backed up")
	if !created {
		t.Error("different severity should create a new alert")
	}
	if len(m.active()) != 2 {
		t.Errorf("active() = %d alerts, want 2", len(m.active()))
	}
}

func TestAlertManager_ResolveAfterDedupAllowsReraise(t *testing.T) {
	m, _ := newTestAlertManager(10 * time.Minute)

	a, _ := m.raise(ComponentDataBinding, AlertWarning, "slow subscriber")
	if !m.resolve(a.ID) {
		t.Fatal("resolve by id failed")
	}
	if m.resolve(a.ID) {
		t.Error("resolving twice should report false")
	}

	_, created := m.raise(ComponentDataBinding, AlertWarning, "slow subscriber")
	if !created {
		t.Error("resolved alert should not block a new raise")
	}
}

func TestAlertManager_InfoSelfResolves(t *testing.T) {
	m, clock := newTestAlertManager(10 * time.Minute)

	m.raise(ComponentSyncEngine, AlertInfo, "component recovered")
	m.raise(ComponentSyncEngine, AlertError, "still failing")

	clock.advance(59 * time.Second)
	m.sweep()
	if len(m.active()) != 2 {
		t.Fatalf("info alert resolved before the grace period: %d active", len(m.active()))
	}

	clock.advance(2 * time.Second)
	m.sweep()

	active := m.active()
	if len(active) != 1 {
		t.Fatalf("active() = %d alerts, want 1", len(active))
	}
	if active[0].Severity != AlertError {
		t.Errorf("surviving alert severity = %s, want error", active[0].Severity)
	}
}

func TestAlertManager_ResolveMatchingSeverityCeiling(t *testing.T) {
	m, _ := newTestAlertManager(10 * time.Minute)

	m.raise(ComponentConflictResolution, AlertWarning, "degraded")
	m.raise(ComponentConflictResolution, AlertError, "unhealthy")
	m.raise(ComponentConflictResolution, AlertCritical, "breaker open")
	m.raise(ComponentSyncEngine, AlertError, "other component")

	n := m.resolveMatching(ComponentConflictResolution, AlertError)
	if n != 2 {
		t.Fatalf("resolveMatching resolved %d alerts, want 2", n)
	}

	active := m.active()
	if len(active) != 2 {
		t.Fatalf("active() = %d alerts, want 2", len(active))
	}
	for _, a := range active {
		if a.Component == ComponentConflictResolution && a.Severity < AlertCritical {
			t.Errorf("alert below the ceiling survived: %+v", a)
		}
	}
}

func TestAlertManager_RetentionDropsOldResolved(t *testing.T) {
	m, clock := newTestAlertManager(time.Minute)

	a, _ := m.raise(ComponentPerformance, AlertError, "slow drain")
	m.resolve(a.ID)

	clock.advance(2 * time.Minute)
	m.sweep()

	m.mu.Lock()
	n := len(m.alerts)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("resolved alert kept past retention: %d stored", n)
	}
}

func TestAlertManager_SubscriberReceivesRaises(t *testing.T) {
	m, _ := newTestAlertManager(10 * time.Minute)

	var got []Alert
	unsub := m.subscribe(func(a Alert) { got = append(got, a) })

	m.raise(ComponentSyncEngine, AlertWarning, "one")
	m.raise(ComponentSyncEngine, AlertWarning, "one") // dedup, no callback
	m.raise(ComponentSyncEngine, AlertWarning, "two")

	if len(got) != 2 {
		t.Fatalf("subscriber saw %d alerts, want 2", len(got))
	}

	unsub()
	m.raise(ComponentSyncEngine, AlertWarning, "three")
	if len(got) != 2 {
		t.Error("subscriber received an alert after unsubscribe")
	}
}
