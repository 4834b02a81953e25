// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sync_engine reconciles concurrent edits to a shared document graph.
//
// # Description
//
// Two producers edit the same document: a structured (direct-manipulation)
// editor and a conversational interface. Both call Emit on a per-document
// Engine. The engine assigns a strictly increasing version to every admitted
// event, derives a logical target address, screens for collisions against the
// pending queue, debounces same-kind bursts, and broadcasts surviving events
// to subscribers.
//
// When two producers touch the same logical element, the event group is
// handed to the Classifier, which assigns a conflict type, severity, and
// confidence. The Resolver then selects the highest-priority applicable
// strategy (three-way merge, latest-wins, user arbitration, rollback) and
// produces a single ConflictResolution.
//
// The health subpackage wraps every step with rolling latency/error metrics,
// circuit breakers, alerting, and an escalating recovery ladder.
//
// # Architecture
//
//	producer ──emit──▶ Engine ──screen──▶ debounce/batch ──▶ broadcast
//	                     │
//	                     └─(collision)─▶ Classifier ─▶ Resolver ─▶ apply ─▶ broadcast
//
// Every step records timing and outcome into health.Monitor, which can open
// a circuit breaker and trigger recovery independently of the data path.
//
// # Thread Safety
//
// All exported types in this package are safe for concurrent use unless
// documented otherwise. Producers may call Emit concurrently; version
// assignment and sync-state mutation are serialized inside the engine.
package sync_engine
