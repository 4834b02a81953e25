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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/duet/services/sync_engine/health"
)

// =============================================================================
// Emit Options
// =============================================================================

// EmitOptions adjust how a single event is admitted.
type EmitOptions struct {
	// Immediate applies the event synchronously, bypassing screening and
	// debounce. Used for control events like mode switches.
	Immediate bool

	// SkipConflictCheck admits the event without first-pass screening but
	// still routes it through the normal debounce/batch path.
	SkipConflictCheck bool

	// Actor attributes the event to a user or agent.
	Actor string
}

// ConflictCallback receives conflicts on detection and again on resolution.
type ConflictCallback func(Conflict)

// =============================================================================
// Engine
// =============================================================================

// Engine is the event ingress and dispatch core for one document.
//
// # Description
//
// All mutable sync state lives on the instance: the version counter, the
// pending queue, debounce timers, the subscriber registry, the active
// conflict set, and the resolved history. There are no process-wide
// registries; construct one Engine per document or session and hand the
// handle to collaborators.
//
// Emit assigns a monotonic version, derives the target address, screens the
// event against the pending queue, and either routes a colliding group into
// the classifier/resolver pipeline or enqueues the event behind a per-kind
// debounce timer. Drains sort, dedup-merge, and broadcast; every step
// records its outcome into the health monitor.
//
// # Thread Safety
//
// Safe for concurrent use. Version assignment and state mutation are
// serialized internally; producers never block on subscribers or on
// arbitration waits.
type Engine struct {
	config    Config
	scheduler Scheduler
	logger    *slog.Logger

	registry   *subscriberRegistry
	classifier *Classifier
	prompts    *promptManager
	resolver   *Resolver
	monitor    *health.Monitor
	history    *historyLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	nextVersion uint64
	state       SyncState
	pending     []*EditEvent
	timers      map[EventKind]TimerHandle
	active      map[string]*Conflict

	// debounceOverride widens the debounce window while a reduce-load
	// recovery profile is in effect. Zero means no override.
	debounceOverride time.Duration

	conflictCbMu sync.RWMutex
	conflictCbs  []ConflictCallback
}

// NewEngine constructs an engine for one document.
//
// Inputs:
//   - config: Engine tuning; zero fields fall back to defaults.
//   - scheduler: Timer source (nil means the wall-clock scheduler).
//   - logger: Structured logger (nil means slog.Default).
func NewEngine(config Config, scheduler Scheduler, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.normalize()
	if scheduler == nil {
		scheduler = NewTimerScheduler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("document_id", config.DocumentID))

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:    config,
		scheduler: scheduler,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[EventKind]TimerHandle),
		active:    make(map[string]*Conflict),
		history:   newHistoryLog(config.HistoryCap),
		state: SyncState{
			DocumentID: config.DocumentID,
			Connected:  true,
			ActiveMode: ModeHybrid,
		},
	}

	e.registry = newSubscriberRegistry(logger)
	e.classifier = NewClassifier(config.Classifier, scheduler.Now)
	e.prompts = newPromptManager(scheduler, logger)
	e.resolver = NewResolver(e.prompts, config.PromptTimeout, scheduler.Now, logger)
	e.monitor = health.NewMonitor(config.Monitor, e, scheduler.Now,
		func(d time.Duration, fn func()) { scheduler.After(d, fn) }, logger)

	return e, nil
}

// Monitor exposes the engine's health monitor for alert/health subscribers
// and the HTTP surface.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// Start launches the health monitor's evaluation loop.
func (e *Engine) Start() { e.monitor.Start() }

// =============================================================================
// Emit
// =============================================================================

// Emit admits one edit event from a producer.
//
// # Description
//
// Computes the target address, assigns the next version, and routes the
// event: immediate events (and mode switches) apply synchronously; screened
// collisions go to the classifier/resolver pipeline and are not enqueued;
// clean events queue behind a per-kind debounce timer. Processing failures
// never propagate to the caller; they surface through the health stream.
//
// # Outputs
//
//   - *EditEvent: The admitted event with its version, for correlation.
//   - error: ErrEngineClosed, or an enum error for an invalid kind/source.
//     Never a processing failure.
func (e *Engine) Emit(kind EventKind, payload map[string]any, source Source, opts *EmitOptions) (*EditEvent, error) {
	if opts == nil {
		opts = &EmitOptions{}
	}
	start := e.scheduler.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.nextVersion++
	event := newEditEvent(kind, payload, source, e.config.DocumentID, opts.Actor, start)
	event.Version = e.nextVersion

	recordAdmitted(e.ctx, kind, source)

	// Mode switches are control events; they always apply synchronously.
	if opts.Immediate || kind == KindModeSwitch {
		e.applyModeSwitchLocked(event)
		e.mu.Unlock()

		e.broadcast(event)
		e.advanceState(event)
		e.monitor.Record(health.ComponentSyncEngine, e.scheduler.Now().Sub(start), nil)
		return event, nil
	}

	if !opts.SkipConflictCheck {
		if group := e.screenLocked(event); group != nil {
			conflict := e.classifier.Classify(group)
			if conflict != nil {
				e.removePendingLocked(group)
				e.active[conflict.ID] = conflict
				e.mu.Unlock()

				e.onConflictDetected(conflict)
				e.monitor.Record(health.ComponentSyncEngine, e.scheduler.Now().Sub(start), nil)
				return event, nil
			}
		}
	}

	e.pending = append(e.pending, event)
	e.armTimerLocked(kind)
	e.mu.Unlock()

	e.monitor.Record(health.ComponentSyncEngine, e.scheduler.Now().Sub(start), nil)
	return event, nil
}

// applyModeSwitchLocked folds a mode_switch payload into sync state.
func (e *Engine) applyModeSwitchLocked(event *EditEvent) {
	if event.Kind != KindModeSwitch {
		return
	}
	if mode, err := ParseMode(payloadString(event.Payload, "mode")); err == nil {
		e.state.ActiveMode = mode
	}
}

// screenLocked runs first-pass conflict screening against the pending queue.
//
// An incoming event collides with a queued one when either: the targets are
// equal, the sources differ, and the kind or payload differs materially; or
// the queued event landed within the screening window and the targets
// overlap (a full_resync overlaps everything).
//
// Returns the incoming event plus every colliding queued event, or nil when
// the queue is clean. Must be called with e.mu held.
func (e *Engine) screenLocked(incoming *EditEvent) []*EditEvent {
	target := incoming.TargetAddress()
	var colliding []*EditEvent

	for _, queued := range e.pending {
		sameTarget := target != "" && queued.TargetAddress() == target
		if sameTarget && queued.Source != incoming.Source &&
			(queued.Kind != incoming.Kind || !EqualPayloads(queued.Payload, incoming.Payload)) {
			colliding = append(colliding, queued)
			continue
		}

		delta := incoming.Timestamp - queued.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond <= e.config.ScreeningWindow && targetsOverlap(queued, incoming) {
			colliding = append(colliding, queued)
		}
	}

	if len(colliding) == 0 {
		return nil
	}
	return append(colliding, incoming)
}

// removePendingLocked drops the given events from the pending queue.
func (e *Engine) removePendingLocked(events []*EditEvent) {
	drop := make(map[string]bool, len(events))
	for _, ev := range events {
		drop[ev.ID] = true
	}
	kept := e.pending[:0]
	for _, ev := range e.pending {
		if !drop[ev.ID] {
			kept = append(kept, ev)
		}
	}
	e.pending = kept
}

// armTimerLocked arms the per-kind debounce timer if not already armed.
func (e *Engine) armTimerLocked(kind EventKind) {
	if _, armed := e.timers[kind]; armed {
		return
	}
	window := e.config.DebounceWindow
	if e.debounceOverride > 0 {
		window = e.debounceOverride
	}
	e.timers[kind] = e.scheduler.After(window, func() {
		e.drain(kind)
	})
}

// =============================================================================
// Drain and Broadcast
// =============================================================================

// drain flushes every pending event of one kind: sort, dedup-merge, and
// broadcast. Runs on the scheduler's goroutine, never a producer's.
func (e *Engine) drain(kinds ...EventKind) {
	start := e.scheduler.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		delete(e.timers, k)
		want[k] = true
	}
	var batch []*EditEvent
	kept := e.pending[:0]
	for _, ev := range e.pending {
		if want[ev.Kind] {
			batch = append(batch, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	e.pending = kept
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sortBatch(batch)
	batch = dedupBatch(batch)

	// Fail fast while the broadcast path's breaker is open: requeue at the
	// head for a later retry pass instead of attempting and timing out.
	if err := e.monitor.Allow(health.ComponentDataBinding); err != nil {
		e.requeueFront(batch)
		e.monitor.Record(health.ComponentDataBinding, e.scheduler.Now().Sub(start), err)
		return
	}

	for _, ev := range batch {
		e.broadcast(ev)
		e.advanceState(ev)
	}

	elapsed := e.scheduler.Now().Sub(start)
	recordDrain(e.ctx, len(batch), elapsed)
	e.monitor.Record(health.ComponentPerformance, elapsed, nil)
}

// sortBatch orders events by timestamp, tie-broken by the fixed kind
// priority table so destructive edits are never silently shadowed.
func sortBatch(batch []*EditEvent) {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Timestamp != batch[j].Timestamp {
			return batch[i].Timestamp < batch[j].Timestamp
		}
		return kindPriority(batch[i].Kind) < kindPriority(batch[j].Kind)
	})
}

// dedupBatch collapses same-target events within a sorted batch. A removal
// always wins over an upsert of the same target; two mergeable updates fold
// field-by-field into the chronologically later event.
func dedupBatch(batch []*EditEvent) []*EditEvent {
	byTarget := make(map[string]int)
	out := make([]*EditEvent, 0, len(batch))

	for _, ev := range batch {
		target := ev.TargetAddress()
		if target == "" {
			out = append(out, ev)
			continue
		}
		idx, seen := byTarget[target]
		if !seen {
			byTarget[target] = len(out)
			out = append(out, ev)
			continue
		}

		prev := out[idx]
		switch {
		case prev.Kind.isRemoval():
			// The removal outcome stands; drop the shadowed event.
		case ev.Kind.isRemoval():
			out[idx] = ev
		case prev.Kind == ev.Kind:
			merged := ev.Clone()
			merged.Payload = mergePayloads(prev.Payload, ev.Payload)
			out[idx] = merged
		default:
			out[idx] = ev
		}
	}
	return out
}

// requeueFront pushes events back to the head of the pending queue and
// re-arms their timers for a retry pass.
func (e *Engine) requeueFront(events []*EditEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.pending = append(append([]*EditEvent{}, events...), e.pending...)
	recordRequeue(e.ctx, len(events))
	for _, ev := range events {
		e.armTimerLocked(ev.Kind)
	}
	e.logger.Warn("batch requeued for retry",
		slog.Int("events", len(events)),
	)
}

// broadcast delivers one event to matching subscribers, isolating failures
// per subscriber, and records the delivery into the health monitor.
func (e *Engine) broadcast(event *EditEvent) {
	start := e.scheduler.Now()
	e.registry.dispatch(event)
	recordBroadcast(e.ctx, event.Kind)
	e.monitor.Record(health.ComponentDataBinding, e.scheduler.Now().Sub(start), nil)
}

// advanceState moves version/last-sync forward to the max seen.
func (e *Engine) advanceState(event *EditEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if event.Version > e.state.Version {
		e.state.Version = event.Version
	}
	e.state.LastSyncTime = e.scheduler.Now()
}

// =============================================================================
// Conflict Pipeline
// =============================================================================

// onConflictDetected notifies subscribers and starts resolution without
// blocking the emitting producer.
func (e *Engine) onConflictDetected(conflict *Conflict) {
	recordConflict(e.ctx, conflict)
	e.logger.Info("conflict detected",
		slog.String("conflict_id", conflict.ID),
		slog.String("type", conflict.Type.String()),
		slog.String("severity", conflict.Severity.String()),
		slog.Int("events", len(conflict.Events)),
		slog.Bool("auto_resolvable", conflict.AutoResolvable),
	)
	e.notifyConflict(conflict)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.resolveConflict(conflict)
	}()
}

// resolveConflict drives one conflict to its terminal resolution and applies
// the winning event, if any.
func (e *Engine) resolveConflict(conflict *Conflict) {
	start := e.scheduler.Now()

	if err := e.monitor.Allow(health.ComponentConflictResolution); err != nil {
		conflict.Resolution = &ConflictResolution{
			Outcome:   OutcomeFailed,
			Reason:    err.Error(),
			Timestamp: start,
		}
		e.monitor.Record(health.ComponentConflictResolution, e.scheduler.Now().Sub(start), err)
		e.notifyConflict(conflict)
		return
	}

	res := e.resolver.Resolve(e.ctx, conflict)
	conflict.Resolution = res

	elapsed := e.scheduler.Now().Sub(start)
	recordResolution(e.ctx, res, elapsed)

	var failure error
	if res.Outcome == OutcomeFailed {
		failure = fmt.Errorf("resolution failed: %s", res.Reason)
	}
	e.monitor.Record(health.ComponentConflictResolution, elapsed, failure)

	if res.Outcome == OutcomeResolved {
		e.mu.Lock()
		delete(e.active, conflict.ID)
		if res.ResolvedEvent != nil {
			e.nextVersion++
			res.ResolvedEvent.Version = e.nextVersion
		}
		e.mu.Unlock()
		e.history.append(conflict)

		if res.ResolvedEvent != nil {
			e.broadcast(res.ResolvedEvent)
			e.advanceState(res.ResolvedEvent)
		}
	}

	e.logger.Info("conflict resolution finished",
		slog.String("conflict_id", conflict.ID),
		slog.String("strategy", res.Strategy),
		slog.String("outcome", res.Outcome.String()),
		slog.Bool("auto_resolved", res.AutoResolved),
	)
	e.notifyConflict(conflict)
}

// notifyConflict fans a conflict snapshot out to conflict subscribers.
func (e *Engine) notifyConflict(conflict *Conflict) {
	e.conflictCbMu.RLock()
	callbacks := make([]ConflictCallback, len(e.conflictCbs))
	copy(callbacks, e.conflictCbs)
	e.conflictCbMu.RUnlock()

	snapshot := *conflict
	for _, cb := range callbacks {
		if cb != nil {
			cb(snapshot)
		}
	}
}

// =============================================================================
// Public Surface
// =============================================================================

// Subscribe registers a callback for one event kind.
func (e *Engine) Subscribe(kind EventKind, cb EventCallback) Unsubscribe {
	return e.registry.subscribe(kind, cb)
}

// SubscribeAll registers a wildcard callback for every event kind.
func (e *Engine) SubscribeAll(cb EventCallback) Unsubscribe {
	return e.registry.subscribeAll(cb)
}

// SubscribeToConflicts registers a callback invoked on conflict detection
// and again when the conflict resolves.
func (e *Engine) SubscribeToConflicts(cb ConflictCallback) Unsubscribe {
	e.conflictCbMu.Lock()
	e.conflictCbs = append(e.conflictCbs, cb)
	idx := len(e.conflictCbs) - 1
	e.conflictCbMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.conflictCbMu.Lock()
			e.conflictCbs[idx] = nil
			e.conflictCbMu.Unlock()
		})
	}
}

// OnArbitrationRequest registers a callback for raised arbitration prompts.
// The conflict-resolution UI layer subscribes here.
func (e *Engine) OnArbitrationRequest(cb PromptCallback) Unsubscribe {
	return e.prompts.onPrompt(func(req ArbitrationRequest) {
		recordPrompt(e.ctx)
		cb(req)
	})
}

// HandleUserPromptResponse delivers a human arbitration decision.
func (e *Engine) HandleUserPromptResponse(conflictID string, choice UserChoice) error {
	return e.prompts.respond(conflictID, choice)
}

// SetMode switches the active editing mode via an immediate control event.
func (e *Engine) SetMode(mode Mode) error {
	_, err := e.Emit(KindModeSwitch, map[string]any{"mode": mode.String()}, SourceStructured, &EmitOptions{Immediate: true})
	return err
}

// GetSyncState returns a copy of the per-document sync state.
func (e *Engine) GetSyncState() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	state.PendingCount = len(e.pending)
	state.ConflictCount = len(e.active)
	return state
}

// ActiveConflicts returns snapshots of unresolved conflicts.
func (e *Engine) ActiveConflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Conflict, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, *c)
	}
	return out
}

// ResolvedConflicts returns the resolved-history log, oldest first.
func (e *Engine) ResolvedConflicts() []Conflict {
	entries := e.history.snapshot()
	out := make([]Conflict, 0, len(entries))
	for _, c := range entries {
		out = append(out, *c)
	}
	return out
}

// Flush drains every pending event immediately, cancelling debounce timers.
func (e *Engine) Flush() {
	e.mu.Lock()
	kinds := make([]EventKind, 0, len(e.timers))
	for k, handle := range e.timers {
		e.scheduler.Cancel(handle)
		kinds = append(kinds, k)
	}
	// Events may be pending without an armed timer after a requeue race;
	// drain every kind present in the queue.
	for _, ev := range e.pending {
		if _, ok := e.timers[ev.Kind]; !ok {
			kinds = append(kinds, ev.Kind)
		}
	}
	e.mu.Unlock()

	if len(kinds) > 0 {
		e.drain(kinds...)
	}
}

// Close shuts the engine down: pending prompts are released, timers
// cancelled, in-flight resolutions unblocked, and the monitor stopped.
// Events already queued are dropped, not flushed; call Flush first if they
// should still be delivered.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, handle := range e.timers {
		e.scheduler.Cancel(handle)
	}
	e.timers = make(map[EventKind]TimerHandle)
	e.pending = nil
	e.mu.Unlock()

	e.prompts.cancelAll()
	e.cancel()
	e.wg.Wait()
	e.monitor.Stop()
	return nil
}

// =============================================================================
// Recovery Hooks
// =============================================================================

// RestartComponent resets the component's rolling health and breaker.
func (e *Engine) RestartComponent(c health.Component) error {
	e.logger.Info("restart recovery", slog.String("component", c.String()))
	e.monitor.ResetComponent(c)
	return nil
}

// ClearComponentCache flushes the pending queue and moves terminally failed
// conflicts out of the active set so they stop re-triggering alerts.
func (e *Engine) ClearComponentCache(c health.Component) error {
	e.logger.Info("clear-cache recovery", slog.String("component", c.String()))
	e.Flush()

	e.mu.Lock()
	for id, conflict := range e.active {
		if conflict.Resolution != nil && conflict.Resolution.Outcome == OutcomeFailed {
			delete(e.active, id)
			e.history.append(conflict)
		}
	}
	e.mu.Unlock()
	return nil
}

// ReduceComponentLoad widens the debounce window so bursts coalesce harder,
// and returns the revert hook the monitor schedules.
func (e *Engine) ReduceComponentLoad(c health.Component) (func(), error) {
	e.mu.Lock()
	e.debounceOverride = 4 * e.config.DebounceWindow
	e.mu.Unlock()

	e.logger.Warn("reduce-load recovery engaged",
		slog.String("component", c.String()),
		slog.Duration("debounce", 4*e.config.DebounceWindow),
	)
	return func() {
		e.mu.Lock()
		e.debounceOverride = 0
		e.mu.Unlock()
	}, nil
}
