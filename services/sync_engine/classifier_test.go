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
	"fmt"
	"testing"
)

func newTestClassifier() *Classifier {
	return NewClassifier(DefaultClassifierConfig(), fixedClock)
}

func TestClassify_RequiresTwoEvents(t *testing.T) {
	c := newTestClassifier()
	if got := c.Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %+v, want nil", got)
	}
	single := []*EditEvent{
		evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
	}
	if got := c.Classify(single); got != nil {
		t.Errorf("Classify(single) = %+v, want nil", got)
	}
}

func TestClassify_ConcurrentEdit(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementUpdate, SourceConversational, 0, 1, map[string]any{"element_id": "5", "color": "red"}),
		evt(KindElementUpdate, SourceStructured, 30, 2, map[string]any{"element_id": "5", "color": "blue"}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil for a cross-source collision")
	}
	if conflict.Type != ConflictConcurrentEdit {
		t.Errorf("Type = %s, want concurrent_edit", conflict.Type)
	}
	if conflict.Severity != SeverityLow {
		t.Errorf("Severity = %s, want low", conflict.Severity)
	}
	if !conflict.AutoResolvable {
		t.Error("a two-event non-destructive concurrent edit should be auto-resolvable")
	}
	if conflict.Confidence != 1.0 {
		t.Errorf("Confidence = %f, want 1.0 (both producers, tight window)", conflict.Confidence)
	}
	if !conflict.DetectedAt.Equal(testEpoch) {
		t.Errorf("DetectedAt = %s, want the classifier clock", conflict.DetectedAt)
	}
}

func TestClassify_ConcurrentRemovalIsCritical(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementRemove, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
		evt(KindElementRemove, SourceConversational, 20, 2, map[string]any{"element_id": "5"}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil")
	}
	if conflict.Type != ConflictConcurrentEdit {
		t.Fatalf("Type = %s, want concurrent_edit", conflict.Type)
	}
	if conflict.Severity != SeverityCritical {
		t.Errorf("Severity = %s, want critical", conflict.Severity)
	}
	if conflict.AutoResolvable {
		t.Error("a destructive concurrent edit must not be auto-resolvable")
	}
}

func TestClassify_DependentChange(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementRemove, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
		evt(KindElementUpdate, SourceConversational, 40, 2, map[string]any{"element_id": "5", "color": "red"}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil")
	}
	if conflict.Type != ConflictDependentChange {
		t.Errorf("Type = %s, want dependent_change", conflict.Type)
	}
	if conflict.Severity != SeverityMedium {
		t.Errorf("Severity = %s, want medium", conflict.Severity)
	}
}

func TestClassify_OrderingConflict(t *testing.T) {
	c := newTestClassifier()
	// Admission order (version) disagrees with producer timestamps.
	events := []*EditEvent{
		evt(KindElementUpdate, SourceStructured, 200, 1, map[string]any{"element_id": "5", "x": 1}),
		evt(KindElementUpdate, SourceStructured, 100, 2, map[string]any{"element_id": "5", "x": 2}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil")
	}
	if conflict.Type != ConflictOrdering {
		t.Errorf("Type = %s, want ordering_conflict", conflict.Type)
	}
	if !conflict.AutoResolvable {
		t.Error("ordering conflicts are always auto-resolvable")
	}
}

func TestClassify_SemanticRemovedEndpoint(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementRemove, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
		evt(KindRelationAdd, SourceConversational, 50, 2, map[string]any{"relation_id": "r1", "source_id": "5", "target_id": "7"}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil")
	}
	if conflict.Type != ConflictSemantic {
		t.Errorf("Type = %s, want semantic_conflict", conflict.Type)
	}
	if conflict.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want high", conflict.Severity)
	}
	if conflict.AutoResolvable {
		t.Error("semantic conflicts require arbitration")
	}
}

func TestClassify_StateDivergence(t *testing.T) {
	c := newTestClassifier()
	var events []*EditEvent
	for i := 0; i < 15; i++ {
		events = append(events, evt(KindElementUpdate, SourceStructured, int64(i*70), uint64(i+1),
			map[string]any{"element_id": fmt.Sprintf("%d", i)}))
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil for a 15 events/second burst")
	}
	if conflict.Type != ConflictStateDivergence {
		t.Errorf("Type = %s, want state_divergence", conflict.Type)
	}
	if conflict.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want high", conflict.Severity)
	}
}

func TestClassify_TightPairIsNotDivergence(t *testing.T) {
	c := newTestClassifier()
	// Two same-source events on different targets, 10ms apart. The raw rate
	// over the span would be huge, but the rate floor keeps this clean.
	events := []*EditEvent{
		evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
		evt(KindElementUpdate, SourceStructured, 10, 2, map[string]any{"element_id": "6"}),
	}

	if conflict := c.Classify(events); conflict != nil {
		t.Errorf("Classify = %s, want nil for a tight same-source pair", conflict.Type)
	}
}

func TestClassify_SameSourceMonotonicGroupIsClean(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5", "color": "red"}),
		evt(KindElementUpdate, SourceStructured, 20, 2, map[string]any{"element_id": "5", "color": "blue"}),
	}

	if conflict := c.Classify(events); conflict != nil {
		t.Errorf("Classify = %s, want nil for sequential same-source edits", conflict.Type)
	}
}

func TestClassify_MetadataCarriesTargets(t *testing.T) {
	c := newTestClassifier()
	events := []*EditEvent{
		evt(KindElementUpdate, SourceConversational, 0, 1, map[string]any{"element_id": "5", "color": "red"}),
		evt(KindElementUpdate, SourceStructured, 10, 2, map[string]any{"element_id": "5", "color": "blue"}),
	}

	conflict := c.Classify(events)
	if conflict == nil {
		t.Fatal("Classify returned nil")
	}
	targets, ok := conflict.Metadata["targets"].([]string)
	if !ok || len(targets) != 1 || targets[0] != "element:5" {
		t.Errorf("Metadata targets = %v, want [element:5]", conflict.Metadata["targets"])
	}
	if conflict.Metadata["event_count"] != 2 {
		t.Errorf("Metadata event_count = %v, want 2", conflict.Metadata["event_count"])
	}
}
