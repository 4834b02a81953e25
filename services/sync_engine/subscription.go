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
	"log/slog"
	"sync"
)

// =============================================================================
// Subscription Registry
// =============================================================================

// EventCallback receives admitted events after batch processing.
//
// Callbacks run on the engine's dispatch goroutine; a panicking callback is
// recovered and logged, never propagated, and does not abort delivery to
// other subscribers.
type EventCallback func(*EditEvent)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// subscription is one registered callback.
type subscription struct {
	id       uint64
	wildcard bool
	callback EventCallback
}

// subscriberRegistry maps event kinds to callback lists.
//
// # Description
//
// Subscriptions are keyed by the EventKind enum plus a wildcard variant;
// there is no string-prefix parsing. Each Subscribe returns a capability
// that removes exactly that subscription.
//
// # Thread Safety
//
// Safe for concurrent use. Dispatch snapshots the callback list under the
// read lock and invokes callbacks outside it, so a slow subscriber never
// blocks Subscribe/Unsubscribe.
type subscriberRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[EventKind][]*subscription
	all    []*subscription

	logger *slog.Logger
}

func newSubscriberRegistry(logger *slog.Logger) *subscriberRegistry {
	return &subscriberRegistry{
		byKind: make(map[EventKind][]*subscription),
		logger: logger,
	}
}

// subscribe registers cb for a single kind.
func (r *subscriberRegistry) subscribe(kind EventKind, cb EventCallback) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{id: r.nextID, callback: cb}
	r.byKind[kind] = append(r.byKind[kind], sub)

	return func() { r.remove(kind, false, sub.id) }
}

// subscribeAll registers cb for every kind (wildcard).
func (r *subscriberRegistry) subscribeAll(cb EventCallback) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{id: r.nextID, wildcard: true, callback: cb}
	r.all = append(r.all, sub)

	return func() { r.remove(0, true, sub.id) }
}

func (r *subscriberRegistry) remove(kind EventKind, wildcard bool, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prune := func(subs []*subscription) []*subscription {
		for i, s := range subs {
			if s.id == id {
				return append(subs[:i], subs[i+1:]...)
			}
		}
		return subs
	}
	if wildcard {
		r.all = prune(r.all)
	} else {
		r.byKind[kind] = prune(r.byKind[kind])
	}
}

// dispatch delivers the event to every matching subscriber.
//
// Failures are isolated per subscriber: a panic in one callback is recovered
// and logged, and delivery continues with the next subscriber.
func (r *subscriberRegistry) dispatch(event *EditEvent) {
	r.mu.RLock()
	targets := make([]*subscription, 0, len(r.byKind[event.Kind])+len(r.all))
	targets = append(targets, r.byKind[event.Kind]...)
	targets = append(targets, r.all...)
	r.mu.RUnlock()

	for _, sub := range targets {
		r.invoke(sub, event)
	}
}

func (r *subscriberRegistry) invoke(sub *subscription, event *EditEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber callback panicked",
				slog.Uint64("subscription_id", sub.id),
				slog.String("event_kind", event.Kind.String()),
				slog.Any("panic", rec),
			)
		}
	}()
	sub.callback(event.Clone())
}

// count returns the number of live subscriptions (for state reporting).
func (r *subscriberRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.all)
	for _, subs := range r.byKind {
		n += len(subs)
	}
	return n
}
