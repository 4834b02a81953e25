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
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer for resolution spans.
var tracer = otel.Tracer("duet.sync_engine")

// =============================================================================
// Resolution Engine
// =============================================================================

// Resolver owns the strategy registry and drives conflicts to a single
// resolution.
//
// # Description
//
// Selection picks the highest-priority strategy whose AppliesTo covers the
// conflict type. A deferred outcome delegates to user arbitration; an
// escalated arbitration falls back to rollback. Resolution is single-flight
// per conflict id: a second Resolve for an id already in flight blocks on
// the first attempt's result instead of executing twice.
//
// # Thread Safety
//
// Safe for concurrent use. Conflicts with different ids resolve
// independently and in parallel.
type Resolver struct {
	prompts *promptManager
	logger  *slog.Logger
	clock   func() time.Time

	mu         sync.Mutex
	strategies []Strategy
	inflight   map[string]*inflightResolution
}

// inflightResolution lets duplicate Resolve calls share one execution.
type inflightResolution struct {
	done   chan struct{}
	result *ConflictResolution
}

// NewResolver creates a resolver with the standard strategy set registered:
// three-way-merge (5), latest-wins (3), user-prompt (2), rollback (1).
//
// Inputs:
//   - prompts: Prompt manager for the user-prompt strategy.
//   - promptTimeout: Arbitration response window.
//   - clock: Time source for resolution stamps (nil means time.Now).
//   - logger: Structured logger.
func NewResolver(prompts *promptManager, promptTimeout time.Duration, clock func() time.Time, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	r := &Resolver{
		prompts:  prompts,
		logger:   logger,
		clock:    clock,
		inflight: make(map[string]*inflightResolution),
	}
	r.Register(newThreeWayMergeStrategy(clock))
	r.Register(newLatestWinsStrategy(clock))
	r.Register(newUserPromptStrategy(prompts, promptTimeout, clock))
	r.Register(newRollbackStrategy(clock))
	return r
}

// Register adds a strategy to the registry. Higher priorities are tried
// first; registration order breaks ties.
func (r *Resolver) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
}

// Resolve drives the conflict to a terminal resolution.
//
// # Description
//
// Idempotent per conflict id: if a resolution is already in flight, the
// call blocks until that attempt finishes and returns its result rather
// than starting a second. Strategy errors surface as OutcomeFailed
// resolutions, never as panics or emitter-visible errors.
//
// # Outputs
//
//   - *ConflictResolution: Always non-nil.
func (r *Resolver) Resolve(ctx context.Context, conflict *Conflict) *ConflictResolution {
	r.mu.Lock()
	if existing, ok := r.inflight[conflict.ID]; ok {
		r.mu.Unlock()
		<-existing.done
		return existing.result
	}
	flight := &inflightResolution{done: make(chan struct{})}
	r.inflight[conflict.ID] = flight
	r.mu.Unlock()

	result := r.execute(ctx, conflict)

	r.mu.Lock()
	flight.result = result
	delete(r.inflight, conflict.ID)
	r.mu.Unlock()
	close(flight.done)

	return result
}

// execute runs the selection and fallback chain.
func (r *Resolver) execute(ctx context.Context, conflict *Conflict) *ConflictResolution {
	strategy := r.selectStrategy(conflict.Type)
	if strategy == nil {
		return &ConflictResolution{
			Outcome:   OutcomeFailed,
			Reason:    ErrNoStrategy.Error(),
			Timestamp: r.clock(),
		}
	}

	res := r.run(ctx, strategy, conflict)

	// A deferral explicitly delegates to arbitration, even for types the
	// user-prompt strategy does not claim on its own.
	if res.Outcome == OutcomeDeferred {
		if prompt := r.findStrategy(StrategyUserPrompt); prompt != nil {
			r.logger.Info("resolution deferred to arbitration",
				slog.String("conflict_id", conflict.ID),
				slog.String("from_strategy", res.Strategy),
				slog.String("reason", res.Reason),
			)
			res = r.run(ctx, prompt, conflict)
		}
	}

	// An escalated arbitration falls back to rollback.
	if res.Outcome == OutcomeEscalated {
		if rollback := r.findStrategy(StrategyRollback); rollback != nil {
			r.logger.Warn("arbitration escalated, rolling back",
				slog.String("conflict_id", conflict.ID),
			)
			rb := r.run(ctx, rollback, conflict)
			if rb.Outcome == OutcomeResolved {
				rb.Reason = "escalated arbitration resolved by rollback"
				res = rb
			}
		}
	}

	return res
}

// run executes one strategy, converting errors to failed resolutions.
func (r *Resolver) run(ctx context.Context, strategy Strategy, conflict *Conflict) *ConflictResolution {
	ctx, span := tracer.Start(ctx, "resolver.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("strategy", strategy.Name()),
		attribute.String("conflict_id", conflict.ID),
		attribute.String("conflict_type", conflict.Type.String()),
	)
	defer span.End()

	res, err := strategy.Execute(ctx, conflict)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("strategy execution failed",
			slog.String("strategy", strategy.Name()),
			slog.String("conflict_id", conflict.ID),
			slog.String("error", err.Error()),
		)
		return &ConflictResolution{
			Strategy:  strategy.Name(),
			Outcome:   OutcomeFailed,
			Reason:    err.Error(),
			Timestamp: r.clock(),
		}
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	return res
}

// selectStrategy returns the highest-priority strategy claiming the type.
func (r *Resolver) selectStrategy(t ConflictType) Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.strategies {
		for _, claimed := range s.AppliesTo() {
			if claimed == t {
				return s
			}
		}
	}
	return nil
}

// findStrategy looks a strategy up by name.
func (r *Resolver) findStrategy(name string) Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.strategies {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
