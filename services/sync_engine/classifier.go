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
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Conflict Classifier
// =============================================================================

// ClassifierConfig tunes the structural and timing heuristics.
type ClassifierConfig struct {
	// DivergenceRate is the events-per-second threshold above which a group
	// is classified as state divergence (default: 10).
	DivergenceRate float64

	// TightWindow is the span under which timestamps are considered near-
	// simultaneous, boosting confidence (default: 1s).
	TightWindow time.Duration
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		DivergenceRate: 10,
		TightWindow:    time.Second,
	}
}

// Classifier decides whether a group of related events constitutes a
// conflict, and if so, of what type and severity.
//
// The classifier applies structural and timing heuristics only; it never
// inspects payload semantics beyond target addresses and kinds.
//
// Thread Safety: Safe for concurrent use (stateless after construction).
type Classifier struct {
	config ClassifierConfig
	clock  func() time.Time
}

// NewClassifier creates a classifier.
//
// Inputs:
//   - config: Heuristic thresholds.
//   - clock: Time source for DetectedAt stamps (nil means time.Now).
func NewClassifier(config ClassifierConfig, clock func() time.Time) *Classifier {
	if clock == nil {
		clock = time.Now
	}
	return &Classifier{config: config, clock: clock}
}

// Classify examines a group of temporally or logically related events.
//
// # Description
//
// Requires at least two events. Groups events by target address and applies,
// in order: concurrent-edit, ordering, dependent-change, semantic, and
// divergence checks. Returns nil when no rule matches — callers treat nil
// as "apply normally".
//
// # Outputs
//
//   - *Conflict: The classified conflict, or nil when the group is clean.
func (c *Classifier) Classify(events []*EditEvent) *Conflict {
	if len(events) < 2 {
		return nil
	}

	groups := groupByTarget(events)
	ctype, ok := c.detectType(events, groups)
	if !ok {
		return nil
	}

	conflict := &Conflict{
		ID:         uuid.NewString(),
		DetectedAt: c.clock(),
		Type:       ctype,
		Events:     events,
		Metadata: map[string]any{
			"targets":     targetKeys(groups),
			"event_count": len(events),
		},
	}
	conflict.Severity = c.severity(conflict)
	conflict.Confidence = c.confidence(conflict)
	conflict.AutoResolvable = c.autoResolvable(conflict)
	return conflict
}

// detectType applies the classification rules in priority order.
//
// Dependent-change runs first: a removal paired with an upsert of the same
// target is a dependency violation even when both land in one target group,
// and must not be mistaken for a plain concurrent edit.
func (c *Classifier) detectType(events []*EditEvent, groups map[string][]*EditEvent) (ConflictType, bool) {
	if removalTargetTouched(groups) {
		return ConflictDependentChange, true
	}

	if len(groups) == 1 {
		for _, group := range groups {
			if distinctSources(group) > 1 {
				return ConflictConcurrentEdit, true
			}
			if !timestampMonotonicWithVersion(group) {
				return ConflictOrdering, true
			}
		}
	}

	if hasSemanticIncompatibility(events) {
		return ConflictSemantic, true
	}

	if c.eventRate(events) > c.config.DivergenceRate {
		return ConflictStateDivergence, true
	}

	return 0, false
}

// severity maps type and destructiveness to an urgency tier.
//
// Critical: a removal caught in a concurrent edit — one producer is about to
// resurrect or shadow a deletion. High: semantic and divergence conflicts.
// Medium: dependent changes. Low: everything else.
func (c *Classifier) severity(conflict *Conflict) Severity {
	switch {
	case conflict.Type == ConflictConcurrentEdit && conflict.hasRemoval():
		return SeverityCritical
	case conflict.Type == ConflictSemantic || conflict.Type == ConflictStateDivergence:
		return SeverityHigh
	case conflict.Type == ConflictDependentChange:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// confidence scores the classification on 0..1.
//
// Base 0.5, +0.3 for concurrent edits, +0.4 for semantic conflicts, +0.2
// when both producers are present, +0.1 when the timestamps span less than
// the tight window. Clamped to 1.0.
func (c *Classifier) confidence(conflict *Conflict) float64 {
	score := 0.5
	switch conflict.Type {
	case ConflictConcurrentEdit:
		score += 0.3
	case ConflictSemantic:
		score += 0.4
	}
	if conflict.distinctSources() >= 2 {
		score += 0.2
	}
	if timestampSpan(conflict.Events) < c.config.TightWindow {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// autoResolvable flags conflicts a strategy may settle without arbitration.
//
// A two-event concurrent edit with no removal is safe for latest-wins or
// merge; ordering conflicts always are. Everything else defaults to
// arbitration unless a strategy explicitly claims it.
func (c *Classifier) autoResolvable(conflict *Conflict) bool {
	switch conflict.Type {
	case ConflictConcurrentEdit:
		return len(conflict.Events) == 2 && !conflict.hasRemoval()
	case ConflictOrdering:
		return true
	default:
		return false
	}
}

// eventRate computes events per second over the group's timestamp span.
// The span is floored at one second so a tight pair of events does not
// read as a divergence burst; crossing the threshold takes real volume.
func (c *Classifier) eventRate(events []*EditEvent) float64 {
	span := timestampSpan(events)
	if span < time.Second {
		span = time.Second
	}
	return float64(len(events)) / span.Seconds()
}

// =============================================================================
// Grouping Helpers
// =============================================================================

// groupByTarget buckets events by target address. Address-less control
// events are excluded from structural analysis.
func groupByTarget(events []*EditEvent) map[string][]*EditEvent {
	groups := make(map[string][]*EditEvent)
	for _, e := range events {
		if addr := e.TargetAddress(); addr != "" {
			groups[addr] = append(groups[addr], e)
		}
	}
	return groups
}

func targetKeys(groups map[string][]*EditEvent) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func distinctSources(events []*EditEvent) int {
	seen := map[Source]bool{}
	for _, e := range events {
		seen[e.Source] = true
	}
	return len(seen)
}

// timestampMonotonicWithVersion reports whether sorting by version also
// sorts by timestamp. A false result means admission order and producer
// clocks disagree.
func timestampMonotonicWithVersion(events []*EditEvent) bool {
	sorted := make([]*EditEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp < sorted[i-1].Timestamp {
			return false
		}
	}
	return true
}

// removalTargetTouched reports whether any removal's target is also added
// to or updated by another event in a different group pass. Because groups
// are keyed by address, this checks across the full event set.
func removalTargetTouched(groups map[string][]*EditEvent) bool {
	for _, group := range groups {
		var hasRemoval, hasUpsert bool
		for _, e := range group {
			switch {
			case e.Kind.isRemoval():
				hasRemoval = true
			case e.Kind == KindElementAdd || e.Kind == KindElementUpdate ||
				e.Kind == KindRelationAdd || e.Kind == KindFieldUpdate:
				hasUpsert = true
			}
		}
		if hasRemoval && hasUpsert {
			return true
		}
	}
	return false
}

// hasSemanticIncompatibility detects structurally impossible pairs: an
// element removed and updated in the same group, or a relation removed
// while an event references a removed endpoint.
func hasSemanticIncompatibility(events []*EditEvent) bool {
	removedElements := map[string]bool{}
	for _, e := range events {
		if e.Kind == KindElementRemove {
			removedElements[payloadString(e.Payload, "element_id", "id")] = true
		}
	}
	if len(removedElements) == 0 {
		return false
	}

	for _, e := range events {
		switch e.Kind {
		case KindElementUpdate, KindFieldUpdate, KindElementMove:
			if removedElements[payloadString(e.Payload, "element_id", "id")] {
				return true
			}
		case KindRelationRemove, KindRelationAdd:
			if removedElements[payloadString(e.Payload, "source_id", "from")] ||
				removedElements[payloadString(e.Payload, "target_id", "to")] {
				return true
			}
		}
	}
	return false
}

// timestampSpan returns max-min over the group's wall-clock stamps.
func timestampSpan(events []*EditEvent) time.Duration {
	if len(events) == 0 {
		return 0
	}
	min, max := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp < min {
			min = e.Timestamp
		}
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	return time.Duration(max-min) * time.Millisecond
}
