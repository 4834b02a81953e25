// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync_engine

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Scheduler Abstraction
// =============================================================================

// TimerHandle identifies a scheduled callback so it can be cancelled.
type TimerHandle uint64

// Scheduler schedules deferred callbacks for the engine.
//
// # Description
//
// The engine never calls time.AfterFunc directly; all debounce timers,
// arbitration timeouts, and recovery reverts go through this interface so
// tests can substitute ManualScheduler and drive time deterministically.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Callbacks run on the
// scheduler's goroutine, never on the caller's stack.
type Scheduler interface {
	// After runs fn once d has elapsed and returns a cancellation handle.
	After(d time.Duration, fn func()) TimerHandle

	// Cancel stops a pending callback. Cancelling an already-fired or
	// unknown handle is a no-op.
	Cancel(handle TimerHandle)

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// =============================================================================
// Wall-Clock Scheduler
// =============================================================================

// timerScheduler is the production Scheduler backed by time.AfterFunc.
type timerScheduler struct {
	mu     sync.Mutex
	next   TimerHandle
	timers map[TimerHandle]*time.Timer
}

// NewTimerScheduler returns the production wall-clock scheduler.
func NewTimerScheduler() Scheduler {
	return &timerScheduler{timers: make(map[TimerHandle]*time.Timer)}
}

func (s *timerScheduler) After(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	handle := s.next
	s.timers[handle] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, handle)
		s.mu.Unlock()
		fn()
	})
	return handle
}

func (s *timerScheduler) Cancel(handle TimerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[handle]; ok {
		t.Stop()
		delete(s.timers, handle)
	}
}

func (s *timerScheduler) Now() time.Time {
	return time.Now()
}

// =============================================================================
// Manual Scheduler (for tests)
// =============================================================================

// scheduledCall is a pending ManualScheduler callback.
type scheduledCall struct {
	handle TimerHandle
	due    time.Time
	fn     func()
}

// ManualScheduler is a virtual-clock Scheduler for deterministic tests.
//
// # Description
//
// Nothing fires until Advance moves the virtual clock past a callback's due
// time. Callbacks fire in due order, synchronously on the Advance caller's
// goroutine, which keeps test assertions free of sleeps and races.
//
// # Example
//
//	cfg := DefaultConfig("doc-1")
//	sched := NewManualScheduler()
//	engine, _ := NewEngine(cfg, sched, logger)
//	engine.Emit(...)
//	sched.Advance(cfg.DebounceWindow) // fire the debounce drain
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	next    TimerHandle
	pending []scheduledCall
}

// NewManualScheduler creates a virtual scheduler starting at a fixed epoch.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Unix(0, 0).UTC()}
}

// After registers fn to fire once the virtual clock reaches now+d.
func (s *ManualScheduler) After(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.pending = append(s.pending, scheduledCall{
		handle: s.next,
		due:    s.now.Add(d),
		fn:     fn,
	})
	return s.next
}

// Cancel removes a pending callback.
func (s *ManualScheduler) Cancel(handle TimerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.pending {
		if c.handle == handle {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Now returns the virtual clock.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the virtual clock forward and fires every callback that
// becomes due, in due order. Callbacks may schedule further callbacks; those
// fire too if they fall inside the advanced window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.SliceStable(s.pending, func(i, j int) bool {
			return s.pending[i].due.Before(s.pending[j].due)
		})
		var due *scheduledCall
		if len(s.pending) > 0 && !s.pending[0].due.After(target) {
			c := s.pending[0]
			s.pending = s.pending[1:]
			s.now = c.due
			due = &c
		} else {
			s.now = target
		}
		s.mu.Unlock()

		if due == nil {
			return
		}
		due.fn()
	}
}

// PendingCount returns the number of callbacks not yet fired.
func (s *ManualScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
