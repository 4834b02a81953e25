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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/duet/pkg/logging"
	"github.com/AleutianAI/duet/services/sync_engine"
	"github.com/AleutianAI/duet/services/sync_engine/telemetry"
)

var (
	serveAddr     string
	serveDocument string
	serveConfig   string
	serveDebug    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDocument, "document", "", "document id this instance owns (overrides config)")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "path to a YAML config file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging and gin debug mode")
}

func runServe() error {
	cfg, err := loadServerConfig(serveConfig)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveDocument != "" {
		cfg.DocumentID = serveDocument
	}
	if serveDebug {
		cfg.Debug = true
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "syncd",
		JSON:    !cfg.Debug,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.toTelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	engine, err := sync_engine.NewEngine(cfg.toEngineConfig(), nil, logger.Slog())
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.Start()
	defer engine.Close()

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	handlers := sync_engine.NewHandlers(engine, logger.Slog())
	v1 := router.Group("/v1")
	sync_engine.RegisterRoutes(v1, handlers)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("sync service starting",
		"addr", cfg.Addr,
		"document_id", cfg.DocumentID,
		"metrics_port", cfg.Metrics.Port,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Metrics.Exporter == "prometheus" {
		group.Go(func() error {
			if err := telemetry.StartPrometheusServer(cfg.toTelemetryConfig()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server exited", "error", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		// Deliver whatever is still queued before the listener closes.
		engine.Flush()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sync service stopped")
	return nil
}
