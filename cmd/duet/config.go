// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/duet/services/sync_engine"
	"github.com/AleutianAI/duet/services/sync_engine/telemetry"
)

const serviceVersion = sync_engine.ServiceVersion

// ServerConfig is the file-facing configuration for `duet serve`.
//
// Durations are plain milliseconds/seconds so the YAML stays readable;
// toEngineConfig converts them for the engine.
type ServerConfig struct {
	// Addr is the HTTP listen address (default: ":8080").
	Addr string `yaml:"addr"`

	// DocumentID names the document this instance owns (default: "main").
	DocumentID string `yaml:"document_id"`

	// Debug enables gin debug mode and request logging.
	Debug bool `yaml:"debug"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	Sync struct {
		// DebounceWindowMS coalesces same-kind bursts (default: 50).
		DebounceWindowMS int `yaml:"debounce_window_ms"`

		// ScreeningWindowMS is the conflict screening recency window
		// (default: 100).
		ScreeningWindowMS int `yaml:"screening_window_ms"`

		// PromptTimeoutS bounds human arbitration (default: 30).
		PromptTimeoutS int `yaml:"prompt_timeout_s"`

		// HistoryCap bounds the resolved-conflict log (default: 256).
		HistoryCap int `yaml:"history_cap"`

		// DivergenceRate is the events/second divergence threshold
		// (default: 10).
		DivergenceRate float64 `yaml:"divergence_rate"`
	} `yaml:"sync"`

	Health struct {
		// TickIntervalS is the monitor evaluation cadence (default: 5).
		TickIntervalS int `yaml:"tick_interval_s"`

		// BreakerCooldownS is the circuit breaker open window (default: 30).
		BreakerCooldownS int `yaml:"breaker_cooldown_s"`
	} `yaml:"health"`

	Metrics struct {
		// Exporter is "prometheus" or "none" (default: "prometheus").
		Exporter string `yaml:"exporter"`

		// Port serves the /metrics scrape endpoint (default: 9090).
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	var cfg ServerConfig
	cfg.Addr = ":8080"
	cfg.DocumentID = "main"
	cfg.Sync.DebounceWindowMS = 50
	cfg.Sync.ScreeningWindowMS = 100
	cfg.Sync.PromptTimeoutS = 30
	cfg.Sync.HistoryCap = 256
	cfg.Sync.DivergenceRate = 10
	cfg.Health.TickIntervalS = 5
	cfg.Health.BreakerCooldownS = 30
	cfg.Metrics.Exporter = "prometheus"
	cfg.Metrics.Port = 9090
	return cfg
}

// loadServerConfig reads the YAML file over the defaults. A missing path
// returns the defaults unchanged.
func loadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	return cfg, nil
}

// toEngineConfig converts the file config into the engine's runtime config.
func (c ServerConfig) toEngineConfig() sync_engine.Config {
	engine := sync_engine.DefaultConfig(c.DocumentID)
	if c.Sync.DebounceWindowMS > 0 {
		engine.DebounceWindow = time.Duration(c.Sync.DebounceWindowMS) * time.Millisecond
	}
	if c.Sync.ScreeningWindowMS > 0 {
		engine.ScreeningWindow = time.Duration(c.Sync.ScreeningWindowMS) * time.Millisecond
	}
	if c.Sync.PromptTimeoutS > 0 {
		engine.PromptTimeout = time.Duration(c.Sync.PromptTimeoutS) * time.Second
	}
	if c.Sync.HistoryCap > 0 {
		engine.HistoryCap = c.Sync.HistoryCap
	}
	if c.Sync.DivergenceRate > 0 {
		engine.Classifier.DivergenceRate = c.Sync.DivergenceRate
	}
	if c.Health.TickIntervalS > 0 {
		engine.Monitor.TickInterval = time.Duration(c.Health.TickIntervalS) * time.Second
	}
	if c.Health.BreakerCooldownS > 0 {
		engine.Monitor.Breaker.Cooldown = time.Duration(c.Health.BreakerCooldownS) * time.Second
	}
	return engine
}

// toTelemetryConfig converts the file config into telemetry settings.
func (c ServerConfig) toTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = serviceVersion
	if c.Metrics.Exporter != "" {
		cfg.MetricExporter = c.Metrics.Exporter
	}
	if c.Metrics.Port > 0 {
		cfg.PrometheusPort = c.Metrics.Port
	}
	return cfg
}
