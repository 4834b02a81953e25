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

import "errors"

// Sentinel errors for the sync engine.
var (
	// ErrUnknownKind indicates an event kind outside the closed enum.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrUnknownSource indicates a producer source outside the closed enum.
	ErrUnknownSource = errors.New("unknown event source")

	// ErrUnknownMode indicates an editing mode outside the closed enum.
	ErrUnknownMode = errors.New("unknown editing mode")

	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = errors.New("sync engine closed")

	// ErrNoStrategy indicates no registered strategy applies to a conflict.
	ErrNoStrategy = errors.New("no suitable strategy")

	// ErrResolutionInFlight indicates a resolution is already running for
	// the conflict id; the caller receives the in-flight result instead.
	ErrResolutionInFlight = errors.New("resolution already in flight")

	// ErrUnknownConflict indicates the conflict id is not in the active set.
	ErrUnknownConflict = errors.New("unknown conflict")

	// ErrNoPendingPrompt indicates no arbitration is waiting for a response.
	ErrNoPendingPrompt = errors.New("no pending arbitration prompt")

	// ErrPromptTimeout indicates the arbitration window elapsed unanswered.
	ErrPromptTimeout = errors.New("arbitration prompt timed out")

	// ErrStructuralMismatch indicates a merge over different kinds or targets.
	ErrStructuralMismatch = errors.New("structural mismatch between events")
)
