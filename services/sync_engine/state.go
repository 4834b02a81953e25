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
	"time"
)

// =============================================================================
// Editing Modes
// =============================================================================

// Mode identifies which producer currently drives the document.
type Mode int

const (
	// ModeStructured means the direct-manipulation editor leads.
	ModeStructured Mode = iota

	// ModeConversational means the natural-language interface leads.
	ModeConversational

	// ModeHybrid means both producers are active simultaneously.
	ModeHybrid
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeStructured:
		return "structured"
	case ModeConversational:
		return "conversational"
	case ModeHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseMode converts a wire name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "structured":
		return ModeStructured, nil
	case "conversational":
		return ModeConversational, nil
	case "hybrid":
		return ModeHybrid, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// MarshalJSON encodes the mode as its wire name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON decodes a wire name into the mode.
func (m *Mode) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: %s", ErrUnknownMode, data)
	}
	parsed, err := ParseMode(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// Sync State
// =============================================================================

// SyncState is the engine's per-document bookkeeping snapshot.
//
// # Description
//
// The engine is the single owner of this state; it is mutated only by
// successful event application. GetSyncState returns a copy, so callers can
// never write back into it.
//
// # Fields
//
//   - DocumentID: The document this engine owns.
//   - Version: Highest admitted event version.
//   - LastSyncTime: Wall clock of the last successful application.
//   - PendingCount: Events queued behind debounce timers.
//   - ConflictCount: Conflicts in the active (unresolved) set.
//   - Connected: False while the engine considers itself partitioned.
//   - ActiveMode: Which producer currently drives the document.
type SyncState struct {
	DocumentID    string    `json:"document_id"`
	Version       uint64    `json:"version"`
	LastSyncTime  time.Time `json:"last_sync_time"`
	PendingCount  int       `json:"pending_count"`
	ConflictCount int       `json:"conflict_count"`
	Connected     bool      `json:"connected"`
	ActiveMode    Mode      `json:"active_mode"`
}
