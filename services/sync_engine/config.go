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

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/duet/services/sync_engine/health"
)

// =============================================================================
// Engine Configuration
// =============================================================================

// Config tunes one engine instance. Zero values fall back to defaults at
// construction, so a partially filled Config is usable.
type Config struct {
	// DocumentID is the document this engine owns.
	DocumentID string `validate:"required"`

	// DebounceWindow is how long same-kind bursts coalesce before a drain
	// (default: 50ms).
	DebounceWindow time.Duration `validate:"gte=0"`

	// ScreeningWindow is the recency window for first-pass conflict
	// screening against the pending queue (default: 100ms).
	ScreeningWindow time.Duration `validate:"gte=0"`

	// PromptTimeout bounds how long arbitration waits for a human response
	// (default: 30s).
	PromptTimeout time.Duration `validate:"gte=0"`

	// HistoryCap bounds the resolved-conflict history log (default: 256).
	HistoryCap int `validate:"gte=0"`

	// Classifier holds the conflict heuristics.
	Classifier ClassifierConfig

	// Monitor holds the health monitor's knobs.
	Monitor health.MonitorConfig
}

// DefaultConfig returns production defaults for one document.
func DefaultConfig(documentID string) Config {
	return Config{
		DocumentID:      documentID,
		DebounceWindow:  50 * time.Millisecond,
		ScreeningWindow: 100 * time.Millisecond,
		PromptTimeout:   30 * time.Second,
		HistoryCap:      256,
		Classifier:      DefaultClassifierConfig(),
		Monitor:         health.DefaultMonitorConfig(),
	}
}

var configValidator = validator.New()

// Validate checks hard constraints that defaults cannot patch over.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	return nil
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig(c.DocumentID)
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.ScreeningWindow <= 0 {
		c.ScreeningWindow = d.ScreeningWindow
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = d.PromptTimeout
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = d.HistoryCap
	}
	if c.Classifier.DivergenceRate <= 0 {
		c.Classifier.DivergenceRate = d.Classifier.DivergenceRate
	}
	if c.Classifier.TightWindow <= 0 {
		c.Classifier.TightWindow = d.Classifier.TightWindow
	}
	return c
}
