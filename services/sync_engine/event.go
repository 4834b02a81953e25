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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind is the closed set of structural edit types the engine accepts.
//
// Adding a kind requires extending TargetAddress, kindPriority, and the merge
// rules in merge.go; the exhaustive switches there are the compile-time
// checklist.
type EventKind int

const (
	// KindElementAdd inserts a new element into the document graph.
	KindElementAdd EventKind = iota

	// KindElementUpdate replaces or amends an existing element's properties.
	KindElementUpdate

	// KindElementRemove deletes an element.
	KindElementRemove

	// KindElementMove changes an element's position or parent.
	KindElementMove

	// KindRelationAdd inserts an edge between two elements.
	KindRelationAdd

	// KindRelationRemove deletes an edge.
	KindRelationRemove

	// KindFieldUpdate updates a single field of an element.
	KindFieldUpdate

	// KindFullResync replaces the whole document state. Document-wide:
	// its target overlaps every other target.
	KindFullResync

	// KindModeSwitch switches the active editing mode. Control event,
	// always applied immediately and never screened.
	KindModeSwitch
)

// allEventKinds enumerates every kind for wildcard subscription fan-out.
var allEventKinds = []EventKind{
	KindElementAdd, KindElementUpdate, KindElementRemove, KindElementMove,
	KindRelationAdd, KindRelationRemove, KindFieldUpdate, KindFullResync,
	KindModeSwitch,
}

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindElementAdd:
		return "element_add"
	case KindElementUpdate:
		return "element_update"
	case KindElementRemove:
		return "element_remove"
	case KindElementMove:
		return "element_move"
	case KindRelationAdd:
		return "relation_add"
	case KindRelationRemove:
		return "relation_remove"
	case KindFieldUpdate:
		return "field_update"
	case KindFullResync:
		return "full_resync"
	case KindModeSwitch:
		return "mode_switch"
	default:
		return "unknown"
	}
}

// ParseEventKind converts a wire name back to an EventKind.
//
// Outputs:
//   - EventKind: The parsed kind.
//   - error: ErrUnknownKind if the name is not in the closed set.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range allEventKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalJSON encodes the kind as its wire name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON decodes a wire name into the kind.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: %s", ErrUnknownKind, data)
	}
	parsed, err := ParseEventKind(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// isRemoval reports whether the kind destroys document state.
func (k EventKind) isRemoval() bool {
	return k == KindElementRemove || k == KindRelationRemove
}

// kindPriority orders kinds within a drained batch group. Lower runs first.
// Destructive edits sort before updates, updates before additions, so a
// removal is never silently shadowed by a later non-destructive edit.
func kindPriority(k EventKind) int {
	switch k {
	case KindFullResync:
		return 0
	case KindElementRemove, KindRelationRemove:
		return 1
	case KindElementUpdate, KindFieldUpdate, KindElementMove:
		return 2
	case KindElementAdd, KindRelationAdd:
		return 3
	case KindModeSwitch:
		return 4
	default:
		return 5
	}
}

// =============================================================================
// Sources
// =============================================================================

// Source identifies which producer originated an event.
type Source int

const (
	// SourceStructured is the direct-manipulation editor.
	SourceStructured Source = iota

	// SourceConversational is the natural-language interface.
	SourceConversational
)

// String returns the wire name of the source.
func (s Source) String() string {
	switch s {
	case SourceStructured:
		return "structured"
	case SourceConversational:
		return "conversational"
	default:
		return "unknown"
	}
}

// ParseSource converts a wire name back to a Source.
func ParseSource(s string) (Source, error) {
	switch s {
	case "structured":
		return SourceStructured, nil
	case "conversational":
		return SourceConversational, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
}

// MarshalJSON encodes the source as its wire name.
func (s Source) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a wire name into the source.
func (s *Source) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: %s", ErrUnknownSource, data)
	}
	parsed, err := ParseSource(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// Edit Events
// =============================================================================

// EditEvent is a single structural edit admitted by the engine.
//
// # Description
//
// Events are immutable once created. Version is assigned by the engine at
// admission time and is strictly increasing per document; Timestamp is the
// producer's wall clock in milliseconds and is used for ordering heuristics
// and latest-wins resolution, never for version assignment.
//
// # Fields
//
//   - ID: Unique event identifier (UUID).
//   - Timestamp: Producer wall clock, Unix milliseconds.
//   - Source: Which producer originated the edit.
//   - DocumentID: The document this edit belongs to.
//   - Actor: Optional user or agent identifier.
//   - Kind: The structural edit type.
//   - Payload: Kind-specific data (JSON object semantics).
//   - Version: Engine-assigned monotonic version, 0 until admitted.
type EditEvent struct {
	ID         string         `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	Source     Source         `json:"source"`
	DocumentID string         `json:"document_id"`
	Actor      string         `json:"actor,omitempty"`
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Version    uint64         `json:"version"`
}

// newEditEvent builds an unadmitted event with a fresh ID and the current
// wall clock. Version stays 0 until the engine admits it.
func newEditEvent(kind EventKind, payload map[string]any, source Source, docID, actor string, now time.Time) *EditEvent {
	return &EditEvent{
		ID:         uuid.NewString(),
		Timestamp:  now.UnixMilli(),
		Source:     source,
		DocumentID: docID,
		Actor:      actor,
		Kind:       kind,
		Payload:    payload,
	}
}

// Clone returns a deep copy. Subscribers receive clones so a misbehaving
// callback cannot mutate the engine's history.
func (e *EditEvent) Clone() *EditEvent {
	clone := *e
	clone.Payload = clonePayload(e.Payload)
	return &clone
}

// TargetAddress derives the logical address this event mutates.
//
// # Description
//
// The address is computed deterministically from the kind and the
// identifying fields of the payload; it is never stored. Two events collide
// iff their addresses are equal and non-empty, or either is a full resync
// (document-wide). Mode switches are control events and have no address.
//
// # Outputs
//
//   - string: The address, or "" when the event targets nothing addressable.
func (e *EditEvent) TargetAddress() string {
	switch e.Kind {
	case KindElementAdd, KindElementUpdate, KindElementRemove, KindElementMove:
		if id := payloadString(e.Payload, "element_id", "id"); id != "" {
			return "element:" + id
		}
		return ""
	case KindRelationAdd, KindRelationRemove:
		if id := payloadString(e.Payload, "relation_id", "id"); id != "" {
			return "relation:" + id
		}
		return ""
	case KindFieldUpdate:
		elem := payloadString(e.Payload, "element_id", "id")
		field := payloadString(e.Payload, "field_id", "field")
		if elem == "" || field == "" {
			return ""
		}
		return "field:" + elem + ":" + field
	case KindFullResync:
		return "document:" + e.DocumentID
	case KindModeSwitch:
		return ""
	default:
		return ""
	}
}

// targetsOverlap reports whether two events touch the same logical state.
// A full resync is document-wide and overlaps anything addressable.
func targetsOverlap(a, b *EditEvent) bool {
	if a.Kind == KindFullResync || b.Kind == KindFullResync {
		return a.Kind != KindModeSwitch && b.Kind != KindModeSwitch
	}
	ta, tb := a.TargetAddress(), b.TargetAddress()
	return ta != "" && ta == tb
}

// =============================================================================
// Payload Helpers
// =============================================================================

// payloadString extracts the first present string value among keys.
func payloadString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			switch s := v.(type) {
			case string:
				return s
			case float64:
				// JSON numbers decode as float64; integral ids are common.
				return fmt.Sprintf("%v", v)
			case int:
				return fmt.Sprintf("%d", s)
			}
		}
	}
	return ""
}

// clonePayload deep-copies a payload tree (maps, slices, scalars).
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return clonePayload(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// EqualPayloads reports structural equality over the closed payload value
// set (objects, arrays, strings, numbers, booleans, null). Numbers compare
// by value so an int 5 equals a float64 5 after a JSON round trip. This
// replaces serialize-and-compare, which is fragile under key ordering.
func EqualPayloads(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equalValues(av, bv) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && EqualPayloads(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		an, aok := toFloat(a)
		bn, bok := toFloat(b)
		if aok && bok {
			return an == bn
		}
		return a == b
	}
}

// toFloat normalizes the numeric types a payload can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
