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
	"sync"
	"testing"
	"time"
)

// fakeTarget records which recovery hooks were invoked.
type fakeTarget struct {
	mu         sync.Mutex
	restarts   []Component
	clears     []Component
	reduces    []Component
	reverted   int
	restartErr error
}

func (f *fakeTarget) RestartComponent(c Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, c)
	return f.restartErr
}

func (f *fakeTarget) ClearComponentCache(c Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, c)
	return nil
}

func (f *fakeTarget) ReduceComponentLoad(c Component) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reduces = append(f.reduces, c)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reverted++
	}, nil
}

// deferredCall captures a scheduled revert.
type deferredCall struct {
	delay time.Duration
	fn    func()
}

func newTestRecoveryManager(target *fakeTarget) (*recoveryManager, *breakerClock, *[]deferredCall) {
	clock := &breakerClock{now: time.Unix(0, 0)}
	var deferred []deferredCall
	deferFn := func(d time.Duration, fn func()) {
		deferred = append(deferred, deferredCall{delay: d, fn: fn})
	}
	r := newRecoveryManager(DefaultRecoveryConfig(), target, clock.time, deferFn, discardLogger())
	return r, clock, &deferred
}

func TestActionFor_LadderRungs(t *testing.T) {
	want := []RecoveryAction{
		RecoveryRestart, RecoveryRestart,
		RecoveryClearCache, RecoveryClearCache,
		RecoveryReduceLoad, RecoveryReduceLoad,
	}
	for attempt, action := range want {
		if got := actionFor(attempt); got != action {
			t.Errorf("actionFor(%d) = %s, want %s", attempt, got, action)
		}
	}
}

func TestRecoveryManager_WalksTheLadder(t *testing.T) {
	target := &fakeTarget{}
	r, clock, deferred := newTestRecoveryManager(target)

	var actions []RecoveryAction
	for i := 0; i < 6; i++ {
		res := r.trigger(ComponentSyncEngine, "status critical")
		if !res.Succeeded {
			t.Fatalf("attempt %d failed: %s", i, res.Reason)
		}
		actions = append(actions, res.Action)
		clock.advance(11 * time.Second)
	}

	want := []RecoveryAction{
		RecoveryRestart, RecoveryRestart,
		RecoveryClearCache, RecoveryClearCache,
		RecoveryReduceLoad, RecoveryReduceLoad,
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("attempt %d ran %s, want %s", i, actions[i], want[i])
		}
	}
	if len(target.restarts) != 2 || len(target.clears) != 2 || len(target.reduces) != 2 {
		t.Errorf("target calls = %d/%d/%d, want 2/2/2",
			len(target.restarts), len(target.clears), len(target.reduces))
	}
	// Each reduce-load scheduled a revert at the reduced-load window.
	if len(*deferred) != 2 {
		t.Fatalf("scheduled reverts = %d, want 2", len(*deferred))
	}
	if (*deferred)[0].delay != 60*time.Second {
		t.Errorf("revert delay = %s, want 60s", (*deferred)[0].delay)
	}
	(*deferred)[0].fn()
	if target.reverted != 1 {
		t.Errorf("revert hook ran %d times, want 1", target.reverted)
	}
}

func TestRecoveryManager_Exhaustion(t *testing.T) {
	target := &fakeTarget{}
	r, clock, _ := newTestRecoveryManager(target)

	for i := 0; i < 6; i++ {
		r.trigger(ComponentDataBinding, "status critical")
		clock.advance(11 * time.Second)
	}
	if !r.exhausted(ComponentDataBinding) {
		t.Fatal("ladder should be exhausted after MaxAttempts")
	}

	res := r.trigger(ComponentDataBinding, "status critical")
	if res.Succeeded {
		t.Error("trigger succeeded past MaxAttempts")
	}
	if res.Reason != "recovery attempts exhausted, external intervention required" {
		t.Errorf("reason = %q", res.Reason)
	}

	// Sustained health re-arms the ladder.
	r.noteSuccess(ComponentDataBinding)
	if r.exhausted(ComponentDataBinding) {
		t.Error("noteSuccess did not reset the attempt counter")
	}
	res = r.trigger(ComponentDataBinding, "status critical")
	if !res.Succeeded || res.Action != RecoveryRestart {
		t.Errorf("post-reset trigger = %+v, want restart success", res)
	}
}

func TestRecoveryManager_Cooldown(t *testing.T) {
	target := &fakeTarget{}
	r, clock, _ := newTestRecoveryManager(target)

	if res := r.trigger(ComponentPerformance, "status critical"); !res.Succeeded {
		t.Fatalf("first trigger failed: %s", res.Reason)
	}

	res := r.trigger(ComponentPerformance, "status critical")
	if res.Succeeded || res.Reason != "recovery cooling down" {
		t.Errorf("immediate retrigger = %+v, want cooling down", res)
	}
	if r.attemptCount(ComponentPerformance) != 1 {
		t.Errorf("cooldown consumed an attempt: count = %d", r.attemptCount(ComponentPerformance))
	}

	clock.advance(11 * time.Second)
	if res := r.trigger(ComponentPerformance, "status critical"); !res.Succeeded {
		t.Errorf("trigger after cooldown failed: %s", res.Reason)
	}
}

func TestRecoveryManager_ActionFailureReported(t *testing.T) {
	target := &fakeTarget{restartErr: errors.New("restart refused")}
	r, _, _ := newTestRecoveryManager(target)

	res := r.trigger(ComponentSyncEngine, "status critical")
	if res.Succeeded {
		t.Fatal("trigger reported success despite target error")
	}
	if res.Reason != "restart refused" {
		t.Errorf("reason = %q, want the target error", res.Reason)
	}
	// The failed attempt still counts toward escalation.
	if r.attemptCount(ComponentSyncEngine) != 1 {
		t.Errorf("attemptCount = %d, want 1", r.attemptCount(ComponentSyncEngine))
	}
}
