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
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Shared test fixtures for the package.

var testEpoch = time.UnixMilli(50_000).UTC()

func fixedClock() time.Time { return testEpoch }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// evt builds an admitted event with explicit timestamp and version.
func evt(kind EventKind, source Source, ts int64, version uint64, payload map[string]any) *EditEvent {
	return &EditEvent{
		ID:         uuid.NewString(),
		Timestamp:  ts,
		Source:     source,
		DocumentID: "doc-1",
		Kind:       kind,
		Payload:    payload,
		Version:    version,
	}
}

func TestEventKind_ParseRoundTrip(t *testing.T) {
	for _, k := range allEventKinds {
		parsed, err := ParseEventKind(k.String())
		if err != nil {
			t.Fatalf("ParseEventKind(%q): %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("round trip %q = %v, want %v", k.String(), parsed, k)
		}
	}
	if _, err := ParseEventKind("teleport"); err == nil {
		t.Error("ParseEventKind accepted an unknown kind")
	}
}

func TestEventKind_JSON(t *testing.T) {
	data, err := json.Marshal(KindElementRemove)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"element_remove"` {
		t.Errorf("marshal = %s", data)
	}

	var k EventKind
	if err := json.Unmarshal([]byte(`"full_resync"`), &k); err != nil {
		t.Fatal(err)
	}
	if k != KindFullResync {
		t.Errorf("unmarshal = %v, want full_resync", k)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &k); err == nil {
		t.Error("unmarshal accepted an unknown kind")
	}
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		name  string
		event *EditEvent
		want  string
	}{
		{
			"element update",
			evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5"}),
			"element:5",
		},
		{
			"element by id key",
			evt(KindElementRemove, SourceStructured, 0, 1, map[string]any{"id": "9"}),
			"element:9",
		},
		{
			"numeric id",
			evt(KindElementAdd, SourceConversational, 0, 1, map[string]any{"element_id": float64(12)}),
			"element:12",
		},
		{
			"relation",
			evt(KindRelationAdd, SourceStructured, 0, 1, map[string]any{"relation_id": "r1"}),
			"relation:r1",
		},
		{
			"field",
			evt(KindFieldUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5", "field_id": "color"}),
			"field:5:color",
		},
		{
			"field missing element",
			evt(KindFieldUpdate, SourceStructured, 0, 1, map[string]any{"field_id": "color"}),
			"",
		},
		{
			"full resync",
			evt(KindFullResync, SourceConversational, 0, 1, nil),
			"document:doc-1",
		},
		{
			"mode switch has no address",
			evt(KindModeSwitch, SourceStructured, 0, 1, map[string]any{"mode": "hybrid"}),
			"",
		},
		{
			"missing identifier",
			evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"color": "red"}),
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.TargetAddress(); got != tt.want {
				t.Errorf("TargetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetsOverlap(t *testing.T) {
	a := evt(KindElementUpdate, SourceStructured, 0, 1, map[string]any{"element_id": "5"})
	b := evt(KindElementRemove, SourceConversational, 0, 2, map[string]any{"element_id": "5"})
	c := evt(KindElementUpdate, SourceStructured, 0, 3, map[string]any{"element_id": "6"})
	resync := evt(KindFullResync, SourceConversational, 0, 4, nil)
	mode := evt(KindModeSwitch, SourceStructured, 0, 5, map[string]any{"mode": "hybrid"})

	if !targetsOverlap(a, b) {
		t.Error("same element should overlap")
	}
	if targetsOverlap(a, c) {
		t.Error("different elements should not overlap")
	}
	if !targetsOverlap(resync, a) {
		t.Error("full resync should overlap any addressable event")
	}
	if targetsOverlap(resync, mode) {
		t.Error("full resync should not overlap a control event")
	}

	// Two address-less events never overlap.
	d := evt(KindElementUpdate, SourceStructured, 0, 6, map[string]any{})
	e := evt(KindElementUpdate, SourceConversational, 0, 7, map[string]any{})
	if targetsOverlap(d, e) {
		t.Error("address-less events should not overlap")
	}
}

func TestEqualPayloads(t *testing.T) {
	a := map[string]any{
		"element_id": "5",
		"size":       2,
		"style":      map[string]any{"color": "red", "weights": []any{1, 2}},
	}
	b := map[string]any{
		"element_id": "5",
		"size":       float64(2),
		"style":      map[string]any{"color": "red", "weights": []any{float64(1), float64(2)}},
	}
	if !EqualPayloads(a, b) {
		t.Error("numerically equal payloads should compare equal")
	}

	c := map[string]any{
		"element_id": "5",
		"size":       2,
		"style":      map[string]any{"color": "blue", "weights": []any{1, 2}},
	}
	if EqualPayloads(a, c) {
		t.Error("nested difference should compare unequal")
	}
	if EqualPayloads(a, map[string]any{"element_id": "5"}) {
		t.Error("different key sets should compare unequal")
	}
	if !EqualPayloads(map[string]any{"x": nil}, map[string]any{"x": nil}) {
		t.Error("matching nulls should compare equal")
	}
}

func TestEditEvent_CloneIsolation(t *testing.T) {
	orig := evt(KindElementUpdate, SourceStructured, 10, 1, map[string]any{
		"element_id": "5",
		"style":      map[string]any{"color": "red"},
	})
	clone := orig.Clone()

	clone.Payload["style"].(map[string]any)["color"] = "blue"
	clone.Payload["element_id"] = "6"

	if orig.Payload["element_id"] != "5" {
		t.Error("clone mutation leaked into the original payload")
	}
	if orig.Payload["style"].(map[string]any)["color"] != "red" {
		t.Error("clone mutation leaked into a nested payload map")
	}
}

func TestKindPriority_DestructiveFirst(t *testing.T) {
	if kindPriority(KindFullResync) >= kindPriority(KindElementRemove) {
		t.Error("full_resync should sort before removals")
	}
	if kindPriority(KindElementRemove) >= kindPriority(KindElementUpdate) {
		t.Error("removals should sort before updates")
	}
	if kindPriority(KindElementUpdate) >= kindPriority(KindElementAdd) {
		t.Error("updates should sort before additions")
	}
}
