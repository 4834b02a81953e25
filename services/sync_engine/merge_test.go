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

import "testing"

func TestMergePayloads_DisjointKeys(t *testing.T) {
	got := mergePayloads(
		map[string]any{"a": 1},
		map[string]any{"b": 2},
	)
	want := map[string]any{"a": 1, "b": 2}
	if !EqualPayloads(got, want) {
		t.Errorf("merge = %v, want %v", got, want)
	}
}

func TestMergePayloads_NonNullWins(t *testing.T) {
	got := mergePayloads(
		map[string]any{"color": "red", "label": nil},
		map[string]any{"color": nil, "label": "node"},
	)
	if got["color"] != "red" {
		t.Errorf("color = %v, want the earlier non-null", got["color"])
	}
	if got["label"] != "node" {
		t.Errorf("label = %v, want the later non-null", got["label"])
	}
}

func TestMergePayloads_NonEmptyStringWins(t *testing.T) {
	got := mergePayloads(
		map[string]any{"title": "draft"},
		map[string]any{"title": ""},
	)
	if got["title"] != "draft" {
		t.Errorf("title = %v, want the non-empty side", got["title"])
	}

	got = mergePayloads(
		map[string]any{"title": "draft"},
		map[string]any{"title": "final"},
	)
	if got["title"] != "final" {
		t.Errorf("title = %v, want the later string", got["title"])
	}
}

func TestMergePayloads_NumericMax(t *testing.T) {
	got := mergePayloads(
		map[string]any{"size": float64(8)},
		map[string]any{"size": 3},
	)
	if n, _ := toFloat(got["size"]); n != 8 {
		t.Errorf("size = %v, want the numeric max 8", got["size"])
	}
}

func TestMergePayloads_RecursiveObjects(t *testing.T) {
	got := mergePayloads(
		map[string]any{"style": map[string]any{"color": "red", "width": 2}},
		map[string]any{"style": map[string]any{"color": "blue"}},
	)
	style := got["style"].(map[string]any)
	if style["color"] != "blue" {
		t.Errorf("nested color = %v, want the later value", style["color"])
	}
	if style["width"] != 2 {
		t.Errorf("nested width = %v, want the preserved earlier field", style["width"])
	}
}

func TestMergePayloads_LaterWinsScalarConflict(t *testing.T) {
	got := mergePayloads(
		map[string]any{"locked": true},
		map[string]any{"locked": false},
	)
	if got["locked"] != false {
		t.Errorf("locked = %v, want the later value", got["locked"])
	}
}

func TestMergePayloads_DoesNotAliasInputs(t *testing.T) {
	earlier := map[string]any{"style": map[string]any{"color": "red"}}
	later := map[string]any{"size": 4}
	got := mergePayloads(earlier, later)

	got["style"].(map[string]any)["color"] = "green"
	if earlier["style"].(map[string]any)["color"] != "red" {
		t.Error("merged payload aliases the earlier input")
	}
}
