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
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Strategy Interface
// =============================================================================

// Strategy turns a Conflict into a ConflictResolution.
//
// # Description
//
// Strategies register with a name, a priority, and the conflict types they
// apply to. The resolver selects the highest-priority applicable strategy;
// a strategy may return OutcomeDeferred to delegate to user arbitration.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the resolver may run
// different conflicts through the same strategy simultaneously.
type Strategy interface {
	// Name is the stable identifier recorded in resolutions.
	Name() string

	// Priority ranks strategies; higher wins when several apply.
	Priority() int

	// AppliesTo lists the conflict types this strategy claims.
	AppliesTo() []ConflictType

	// Execute resolves the conflict. A returned error yields an
	// OutcomeFailed resolution with the error as reason; the error is
	// never propagated to the emitter.
	Execute(ctx context.Context, conflict *Conflict) (*ConflictResolution, error)
}

// Strategy names as recorded in ConflictResolution.Strategy.
const (
	StrategyLatestWins    = "latest_wins"
	StrategyThreeWayMerge = "three_way_merge"
	StrategyUserPrompt    = "user_prompt"
	StrategyRollback      = "rollback"
)

// Default strategy priorities. Merge is preferred over latest-wins because
// it preserves both producers' intent; rollback is the last resort.
const (
	priorityThreeWayMerge = 5
	priorityLatestWins    = 3
	priorityUserPrompt    = 2
	priorityRollback      = 1
)

// =============================================================================
// Latest-Wins
// =============================================================================

// latestWinsStrategy selects the event with the greatest timestamp.
//
// Deterministic under fixed input: version breaks timestamp ties, so
// resolving the same conflict twice yields the same resolved event.
type latestWinsStrategy struct {
	clock func() time.Time
}

func newLatestWinsStrategy(clock func() time.Time) *latestWinsStrategy {
	return &latestWinsStrategy{clock: clock}
}

func (s *latestWinsStrategy) Name() string  { return StrategyLatestWins }
func (s *latestWinsStrategy) Priority() int { return priorityLatestWins }

func (s *latestWinsStrategy) AppliesTo() []ConflictType {
	return []ConflictType{ConflictConcurrentEdit, ConflictOrdering}
}

func (s *latestWinsStrategy) Execute(_ context.Context, conflict *Conflict) (*ConflictResolution, error) {
	winner := conflict.latestEvent()
	return &ConflictResolution{
		Strategy:      StrategyLatestWins,
		Outcome:       OutcomeResolved,
		ResolvedEvent: winner.Clone(),
		Reason:        fmt.Sprintf("latest event %s wins at t=%d", winner.ID, winner.Timestamp),
		Timestamp:     s.clock(),
		AutoResolved:  true,
	}, nil
}

// =============================================================================
// Three-Way Merge
// =============================================================================

// threeWayMergeStrategy merges two update payloads field by field.
//
// Restricted to exactly two events, both of kind field_update or
// element_update, targeting the same address. Anything else is a structural
// mismatch and defers to user arbitration rather than guessing.
type threeWayMergeStrategy struct {
	clock func() time.Time
}

func newThreeWayMergeStrategy(clock func() time.Time) *threeWayMergeStrategy {
	return &threeWayMergeStrategy{clock: clock}
}

func (s *threeWayMergeStrategy) Name() string  { return StrategyThreeWayMerge }
func (s *threeWayMergeStrategy) Priority() int { return priorityThreeWayMerge }

func (s *threeWayMergeStrategy) AppliesTo() []ConflictType {
	return []ConflictType{ConflictConcurrentEdit, ConflictDependentChange}
}

func (s *threeWayMergeStrategy) Execute(_ context.Context, conflict *Conflict) (*ConflictResolution, error) {
	if err := s.checkShape(conflict); err != nil {
		return &ConflictResolution{
			Strategy:  StrategyThreeWayMerge,
			Outcome:   OutcomeDeferred,
			Reason:    err.Error(),
			Timestamp: s.clock(),
		}, nil
	}

	first, second := conflict.Events[0], conflict.Events[1]
	if first.Timestamp > second.Timestamp ||
		(first.Timestamp == second.Timestamp && first.Version > second.Version) {
		first, second = second, first
	}

	merged := mergePayloads(first.Payload, second.Payload)

	resolved := second.Clone()
	resolved.ID = uuid.NewString()
	resolved.Payload = merged

	return &ConflictResolution{
		Strategy:      StrategyThreeWayMerge,
		Outcome:       OutcomeResolved,
		ResolvedEvent: resolved,
		MergedData:    merged,
		Reason:        fmt.Sprintf("merged %d fields from both producers", len(merged)),
		Timestamp:     s.clock(),
		AutoResolved:  true,
	}, nil
}

// checkShape enforces the two-update-same-target restriction.
func (s *threeWayMergeStrategy) checkShape(conflict *Conflict) error {
	if len(conflict.Events) != 2 {
		return fmt.Errorf("%w: merge requires exactly 2 events, got %d",
			ErrStructuralMismatch, len(conflict.Events))
	}
	a, b := conflict.Events[0], conflict.Events[1]
	for _, e := range conflict.Events {
		if e.Kind != KindFieldUpdate && e.Kind != KindElementUpdate {
			return fmt.Errorf("%w: kind %s is not mergeable", ErrStructuralMismatch, e.Kind)
		}
	}
	if a.Kind != b.Kind {
		return fmt.Errorf("%w: kinds %s and %s differ", ErrStructuralMismatch, a.Kind, b.Kind)
	}
	if a.TargetAddress() != b.TargetAddress() {
		return fmt.Errorf("%w: targets %q and %q differ",
			ErrStructuralMismatch, a.TargetAddress(), b.TargetAddress())
	}
	return nil
}

// =============================================================================
// Rollback
// =============================================================================

// rollbackStrategy reverts the document to just before the conflict began.
//
// The engine does not hold document state itself, so rollback is expressed
// as a synthetic full_resync event carrying the restore point; persistence
// collaborators on the broadcast stream perform the actual restore and feed
// the recovered state back through emit.
type rollbackStrategy struct {
	clock func() time.Time
}

func newRollbackStrategy(clock func() time.Time) *rollbackStrategy {
	return &rollbackStrategy{clock: clock}
}

func (s *rollbackStrategy) Name() string  { return StrategyRollback }
func (s *rollbackStrategy) Priority() int { return priorityRollback }

func (s *rollbackStrategy) AppliesTo() []ConflictType {
	return []ConflictType{ConflictStateDivergence, ConflictSemantic}
}

func (s *rollbackStrategy) Execute(_ context.Context, conflict *Conflict) (*ConflictResolution, error) {
	restorePoint := conflict.earliestTimestamp() - 1
	base := conflict.Events[0]

	resolved := &EditEvent{
		ID:         uuid.NewString(),
		Timestamp:  s.clock().UnixMilli(),
		Source:     base.Source,
		DocumentID: base.DocumentID,
		Kind:       KindFullResync,
		Payload: map[string]any{
			"rollback_to": restorePoint,
			"conflict_id": conflict.ID,
		},
	}

	return &ConflictResolution{
		Strategy:      StrategyRollback,
		Outcome:       OutcomeResolved,
		ResolvedEvent: resolved,
		Reason:        fmt.Sprintf("rolled back to t=%d", restorePoint),
		Timestamp:     s.clock(),
		AutoResolved:  true,
	}, nil
}
