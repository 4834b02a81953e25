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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all sync service routes with the router group.
//
// Description:
//
//	Registers the /v1/sync/* endpoints. The group should already carry any
//	required middleware.
//
// Endpoints:
//
//	POST /v1/sync/events - Emit an edit event
//	GET  /v1/sync/state - Per-document sync state
//	POST /v1/sync/mode - Switch the active editing mode
//	POST /v1/sync/flush - Drain the pending queue immediately
//	GET  /v1/sync/conflicts - List active/resolved conflicts
//	POST /v1/sync/conflicts/:id/response - Answer an arbitration prompt
//	GET  /v1/sync/health - Full health report
//	POST /v1/sync/alerts/:id/resolve - Resolve an alert by id
//	GET  /v1/sync/stream - WebSocket event/conflict/alert stream
//
// Example:
//
//	engine, _ := sync_engine.NewEngine(sync_engine.DefaultConfig("doc"), nil, logger)
//	handlers := sync_engine.NewHandlers(engine, logger)
//
//	v1 := router.Group("/v1")
//	sync_engine.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	sync := rg.Group("/sync")
	{
		sync.POST("/events", handlers.HandleEmit)
		sync.GET("/state", handlers.HandleState)
		sync.POST("/mode", handlers.HandleSetMode)
		sync.POST("/flush", handlers.HandleFlush)

		sync.GET("/conflicts", handlers.HandleConflicts)
		sync.POST("/conflicts/:id/response", handlers.HandlePromptResponse)

		sync.GET("/health", handlers.HandleHealth)
		sync.POST("/alerts/:id/resolve", handlers.HandleResolveAlert)

		sync.GET("/stream", handlers.HandleStream)
	}
}
