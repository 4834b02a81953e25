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
// Recovery Actions
// =============================================================================

// RecoveryAction is one rung of the recovery ladder.
type RecoveryAction int

const (
	// RecoveryRestart resets the component's rolling health and breaker.
	RecoveryRestart RecoveryAction = iota

	// RecoveryClearCache drops the component's caches and queues.
	RecoveryClearCache

	// RecoveryReduceLoad shrinks batch sizes and widens debounce windows,
	// with a scheduled automatic revert.
	RecoveryReduceLoad
)

// String returns the wire name of the action.
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryRestart:
		return "restart"
	case RecoveryClearCache:
		return "clear_cache"
	case RecoveryReduceLoad:
		return "reduce_load"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the action as its wire name.
func (a RecoveryAction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// RecoveryResult summarizes one recovery attempt.
type RecoveryResult struct {
	Component Component      `json:"component"`
	Action    RecoveryAction `json:"action"`
	Attempt   int            `json:"attempt"`
	Succeeded bool           `json:"succeeded"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RecoveryTarget is the engine-side surface recovery actions operate on.
//
// The monitor never reaches into engine state directly; each rung calls
// one of these hooks and the engine decides what restart, cache clearing,
// or load shedding means for the named component.
type RecoveryTarget interface {
	// RestartComponent clears the component's transient error state.
	RestartComponent(c Component) error

	// ClearComponentCache drops queues/caches owned by the component.
	ClearComponentCache(c Component) error

	// ReduceComponentLoad shifts the component into a low-load profile and
	// returns the revert hook the monitor schedules.
	ReduceComponentLoad(c Component) (revert func(), err error)
}

// =============================================================================
// Recovery Manager
// =============================================================================

// RecoveryConfig tunes the ladder.
type RecoveryConfig struct {
	// MaxAttempts is the ceiling across all rungs; beyond it the component
	// stays critical until externally reset (default: 6).
	MaxAttempts int

	// Cooldown is the minimum spacing between attempts for one component
	// (default: 10s).
	Cooldown time.Duration

	// ReducedLoadWindow is how long reduce-load stays in effect before the
	// scheduled revert (default: 60s).
	ReducedLoadWindow time.Duration
}

// DefaultRecoveryConfig returns sensible defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:       6,
		Cooldown:          10 * time.Second,
		ReducedLoadWindow: 60 * time.Second,
	}
}

// recoveryManager walks the escalating ladder per component.
//
// Attempts 0-1: restart. Attempts 2-3: clear-cache. Attempts 4+:
// reduce-load. Each attempt is cooldown-spaced; exceeding MaxAttempts
// disables auto-recovery for the component.
type recoveryManager struct {
	config RecoveryConfig
	target RecoveryTarget
	clock  func() time.Time
	defer_ func(time.Duration, func())
	logger *slog.Logger

	mu          sync.Mutex
	attempts    map[Component]int
	lastAttempt map[Component]time.Time
	recovering  map[Component]bool
}

func newRecoveryManager(config RecoveryConfig, target RecoveryTarget, clock func() time.Time, deferFn func(time.Duration, func()), logger *slog.Logger) *recoveryManager {
	return &recoveryManager{
		config:      config,
		target:      target,
		clock:       clock,
		defer_:      deferFn,
		logger:      logger,
		attempts:    make(map[Component]int),
		lastAttempt: make(map[Component]time.Time),
		recovering:  make(map[Component]bool),
	}
}

// actionFor maps the attempt counter to a ladder rung.
func actionFor(attempt int) RecoveryAction {
	switch {
	case attempt <= 1:
		return RecoveryRestart
	case attempt <= 3:
		return RecoveryClearCache
	default:
		return RecoveryReduceLoad
	}
}

// trigger runs one recovery attempt for the component.
//
// Outputs:
//   - RecoveryResult: Always populated; Succeeded false with Reason when
//     the ladder is exhausted, cooling down, or the action failed.
func (r *recoveryManager) trigger(component Component, cause string) RecoveryResult {
	now := r.clock()

	r.mu.Lock()
	attempt := r.attempts[component]
	result := RecoveryResult{
		Component: component,
		Attempt:   attempt,
		Timestamp: now,
	}

	if r.recovering[component] {
		r.mu.Unlock()
		result.Reason = "recovery already in progress"
		return result
	}
	if attempt >= r.config.MaxAttempts {
		r.mu.Unlock()
		result.Reason = "recovery attempts exhausted, external intervention required"
		return result
	}
	if last, ok := r.lastAttempt[component]; ok && now.Sub(last) < r.config.Cooldown {
		r.mu.Unlock()
		result.Reason = "recovery cooling down"
		return result
	}

	r.recovering[component] = true
	r.attempts[component] = attempt + 1
	r.lastAttempt[component] = now
	r.mu.Unlock()

	action := actionFor(attempt)
	result.Action = action

	r.logger.Warn("triggering recovery",
		slog.String("component", component.String()),
		slog.String("action", action.String()),
		slog.Int("attempt", attempt),
		slog.String("cause", cause),
	)

	err := r.execute(component, action)

	r.mu.Lock()
	r.recovering[component] = false
	r.mu.Unlock()

	if err != nil {
		result.Reason = err.Error()
		return result
	}
	result.Succeeded = true
	return result
}

// execute dispatches one ladder rung against the target.
func (r *recoveryManager) execute(component Component, action RecoveryAction) error {
	switch action {
	case RecoveryRestart:
		return r.target.RestartComponent(component)

	case RecoveryClearCache:
		return r.target.ClearComponentCache(component)

	case RecoveryReduceLoad:
		revert, err := r.target.ReduceComponentLoad(component)
		if err != nil {
			return err
		}
		if revert != nil {
			r.defer_(r.config.ReducedLoadWindow, func() {
				r.logger.Info("reverting reduced-load profile",
					slog.String("component", component.String()),
				)
				revert()
			})
		}
		return nil

	default:
		return fmt.Errorf("unknown recovery action %d", action)
	}
}

// noteSuccess resets the attempt counter after sustained health.
func (r *recoveryManager) noteSuccess(component Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[component] = 0
}

// attemptCount returns the component's attempt counter.
func (r *recoveryManager) attemptCount(component Component) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[component]
}

// isRecovering reports an in-flight attempt.
func (r *recoveryManager) isRecovering(component Component) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovering[component]
}

// exhausted reports whether auto-recovery is disabled for the component.
func (r *recoveryManager) exhausted(component Component) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[component] >= r.config.MaxAttempts
}
