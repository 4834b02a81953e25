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
	"sync"
	"time"
)

// =============================================================================
// Conflict Types
// =============================================================================

// ConflictType classifies why a group of events needs a resolution decision.
type ConflictType int

const (
	// ConflictConcurrentEdit is the same target edited from both producers.
	ConflictConcurrentEdit ConflictType = iota

	// ConflictDependentChange is a removal whose target another event in the
	// group adds to or updates.
	ConflictDependentChange

	// ConflictOrdering is a single-source group whose timestamps disagree
	// with version order.
	ConflictOrdering

	// ConflictStateDivergence is an event volume burst suggesting the two
	// views have drifted apart.
	ConflictStateDivergence

	// ConflictResourceLock is a target held by an exclusive operation.
	// Reserved: the classifier does not currently emit it, but strategies
	// may claim it.
	ConflictResourceLock

	// ConflictSemantic is a structurally incompatible pair, e.g. updating
	// an element another event removes.
	ConflictSemantic
)

// String returns the wire name of the conflict type.
func (t ConflictType) String() string {
	switch t {
	case ConflictConcurrentEdit:
		return "concurrent_edit"
	case ConflictDependentChange:
		return "dependent_change"
	case ConflictOrdering:
		return "ordering_conflict"
	case ConflictStateDivergence:
		return "state_divergence"
	case ConflictResourceLock:
		return "resource_lock"
	case ConflictSemantic:
		return "semantic_conflict"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the type as its wire name.
func (t ConflictType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Severity ranks how urgently a conflict needs attention.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity as its wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// =============================================================================
// Conflicts
// =============================================================================

// Conflict is a group of related events that needs a resolution decision
// before any of them can be applied.
//
// # Description
//
// Created by the classifier from two or more events whose target addresses
// intersect (or whose timing/volume triggered divergence detection). A
// conflict is terminal once Resolution.Outcome is OutcomeResolved; it then
// moves from the active set into the immutable resolved-history log.
type Conflict struct {
	ID         string              `json:"id"`
	DetectedAt time.Time           `json:"detected_at"`
	Type       ConflictType        `json:"type"`
	Severity   Severity            `json:"severity"`
	Events     []*EditEvent        `json:"events"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`

	// Confidence is the classifier's 0..1 score for the classification.
	Confidence float64 `json:"confidence"`

	// AutoResolvable marks conflicts a strategy may settle without a human.
	AutoResolvable bool `json:"auto_resolvable"`

	// Metadata carries classifier annotations (target addresses, rates).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// earliestTimestamp returns the smallest event timestamp in the set.
func (c *Conflict) earliestTimestamp() int64 {
	earliest := c.Events[0].Timestamp
	for _, e := range c.Events[1:] {
		if e.Timestamp < earliest {
			earliest = e.Timestamp
		}
	}
	return earliest
}

// latestEvent returns the event with the greatest timestamp. Version breaks
// ties so the result is deterministic under fixed input.
func (c *Conflict) latestEvent() *EditEvent {
	latest := c.Events[0]
	for _, e := range c.Events[1:] {
		if e.Timestamp > latest.Timestamp ||
			(e.Timestamp == latest.Timestamp && e.Version > latest.Version) {
			latest = e
		}
	}
	return latest
}

// hasRemoval reports whether any event in the set is destructive.
func (c *Conflict) hasRemoval() bool {
	for _, e := range c.Events {
		if e.Kind.isRemoval() {
			return true
		}
	}
	return false
}

// distinctSources counts producers represented in the event set.
func (c *Conflict) distinctSources() int {
	seen := map[Source]bool{}
	for _, e := range c.Events {
		seen[e.Source] = true
	}
	return len(seen)
}

// =============================================================================
// Resolutions
// =============================================================================

// ResolutionOutcome is the terminal state of a resolution attempt.
type ResolutionOutcome int

const (
	// OutcomeResolved means the conflict produced a single winning result.
	OutcomeResolved ResolutionOutcome = iota

	// OutcomeDeferred means the strategy declined and delegated onward.
	OutcomeDeferred

	// OutcomeEscalated means arbitration timed out; the caller is expected
	// to follow up, typically with rollback.
	OutcomeEscalated

	// OutcomeFailed means the strategy errored or none applied.
	OutcomeFailed
)

// String returns the wire name of the outcome.
func (o ResolutionOutcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the outcome as its wire name.
func (o ResolutionOutcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// UserChoice records the option a human picked during arbitration.
type UserChoice struct {
	OptionID string         `json:"option_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// ConflictResolution is the single outcome a conflict converges to.
//
// At most one non-terminal resolution exists per conflict id at a time; the
// resolver enforces single-flight per id.
type ConflictResolution struct {
	Strategy      string            `json:"strategy"`
	Outcome       ResolutionOutcome `json:"outcome"`
	ResolvedEvent *EditEvent        `json:"resolved_event,omitempty"`
	MergedData    map[string]any    `json:"merged_data,omitempty"`
	UserChoice    *UserChoice       `json:"user_choice,omitempty"`
	Reason        string            `json:"reason"`
	Timestamp     time.Time         `json:"timestamp"`
	AutoResolved  bool              `json:"auto_resolved"`
}

// =============================================================================
// Resolved History
// =============================================================================

// historyLog is the bounded, append-only record of resolved conflicts.
//
// Durable archival is a downstream concern; this log exists so the
// resolution stream can be replayed to late subscribers and inspected over
// the HTTP surface. Oldest entries fall off once the cap is reached.
type historyLog struct {
	mu      sync.RWMutex
	cap     int
	entries []*Conflict
}

func newHistoryLog(capacity int) *historyLog {
	return &historyLog{cap: capacity}
}

func (h *historyLog) append(c *Conflict) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, c)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

func (h *historyLog) snapshot() []*Conflict {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Conflict, len(h.entries))
	copy(out, h.entries)
	return out
}
