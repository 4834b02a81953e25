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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for sync engine operations.
var meter = otel.Meter("duet.sync_engine")

// Metrics for the emit/screen/batch/resolve pipeline.
var (
	eventsAdmitted   metric.Int64Counter
	eventsBroadcast  metric.Int64Counter
	eventsRequeued   metric.Int64Counter
	conflictsTotal   metric.Int64Counter
	resolutionsTotal metric.Int64Counter
	promptsRaised    metric.Int64Counter

	batchSizeHistogram metric.Int64Histogram
	drainDuration      metric.Float64Histogram
	resolveDuration    metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		eventsAdmitted, err = meter.Int64Counter(
			"sync_events_admitted_total",
			metric.WithDescription("Admitted edit events by kind and source"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsBroadcast, err = meter.Int64Counter(
			"sync_events_broadcast_total",
			metric.WithDescription("Events delivered to subscribers by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsRequeued, err = meter.Int64Counter(
			"sync_events_requeued_total",
			metric.WithDescription("Events pushed back for a retry pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictsTotal, err = meter.Int64Counter(
			"sync_conflicts_detected_total",
			metric.WithDescription("Conflicts detected by type and severity"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resolutionsTotal, err = meter.Int64Counter(
			"sync_resolutions_total",
			metric.WithDescription("Conflict resolutions by strategy and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		promptsRaised, err = meter.Int64Counter(
			"sync_arbitration_prompts_total",
			metric.WithDescription("Arbitration prompts raised for human decisions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchSizeHistogram, err = meter.Int64Histogram(
			"sync_batch_size",
			metric.WithDescription("Events surviving dedup per debounce drain"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		drainDuration, err = meter.Float64Histogram(
			"sync_drain_duration_seconds",
			metric.WithDescription("Debounce drain duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resolveDuration, err = meter.Float64Histogram(
			"sync_resolve_duration_seconds",
			metric.WithDescription("Conflict resolution duration by strategy"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAdmitted increments the admission counter.
func recordAdmitted(ctx context.Context, kind EventKind, source Source) {
	if initMetrics() != nil {
		return
	}
	eventsAdmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("source", source.String()),
	))
}

// recordBroadcast increments the delivery counter.
func recordBroadcast(ctx context.Context, kind EventKind) {
	if initMetrics() != nil {
		return
	}
	eventsBroadcast.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
	))
}

// recordRequeue increments the retry counter.
func recordRequeue(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	eventsRequeued.Add(ctx, int64(n))
}

// recordConflict increments the detection counter.
func recordConflict(ctx context.Context, c *Conflict) {
	if initMetrics() != nil {
		return
	}
	conflictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", c.Type.String()),
		attribute.String("severity", c.Severity.String()),
	))
}

// recordResolution increments the resolution counter and duration.
func recordResolution(ctx context.Context, res *ConflictResolution, elapsed time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", res.Strategy),
		attribute.String("outcome", res.Outcome.String()),
	)
	resolutionsTotal.Add(ctx, 1, attrs)
	resolveDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// recordPrompt increments the arbitration counter.
func recordPrompt(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	promptsRaised.Add(ctx, 1)
}

// recordDrain records one debounce drain pass.
func recordDrain(ctx context.Context, batch int, elapsed time.Duration) {
	if initMetrics() != nil {
		return
	}
	batchSizeHistogram.Record(ctx, int64(batch))
	drainDuration.Record(ctx, elapsed.Seconds())
}
