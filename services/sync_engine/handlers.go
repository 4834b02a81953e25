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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceVersion is the sync service version.
const ServiceVersion = "0.1.0"

// =============================================================================
// Request / Response Types
// =============================================================================

// ErrorResponse is the uniform error body for the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EmitRequest is the body for POST /v1/sync/events.
type EmitRequest struct {
	Kind              string         `json:"kind" binding:"required"`
	Source            string         `json:"source" binding:"required"`
	Payload           map[string]any `json:"payload"`
	Actor             string         `json:"actor,omitempty"`
	Immediate         bool           `json:"immediate,omitempty"`
	SkipConflictCheck bool           `json:"skip_conflict_check,omitempty"`
}

// EmitResponse returns the admitted event and the post-admission state.
type EmitResponse struct {
	Event *EditEvent `json:"event"`
	State SyncState  `json:"state"`
}

// ModeRequest is the body for POST /v1/sync/mode.
type ModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// PromptResponseRequest is the body for POST /v1/sync/conflicts/:id/response.
type PromptResponseRequest struct {
	OptionID string         `json:"option_id" binding:"required"`
	Data     map[string]any `json:"data,omitempty"`
}

// ConflictsResponse wraps the conflict listing.
type ConflictsResponse struct {
	Active   []Conflict `json:"active"`
	Resolved []Conflict `json:"resolved,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers contains the HTTP handlers for the sync service.
type Handlers struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandlers creates handlers for the given engine.
func NewHandlers(engine *Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: engine, logger: logger}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleEmit handles POST /v1/sync/events.
//
// Response:
//
//	202 Accepted: EmitResponse
//	400 Bad Request: Validation error or unknown enum value
//	503 Service Unavailable: Engine closed
func (h *Handlers) HandleEmit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleEmit"))

	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	kind, err := ParseEventKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_KIND"})
		return
	}
	source, err := ParseSource(req.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_SOURCE"})
		return
	}

	event, err := h.engine.Emit(kind, req.Payload, source, &EmitOptions{
		Immediate:         req.Immediate,
		SkipConflictCheck: req.SkipConflictCheck,
		Actor:             req.Actor,
	})
	if err != nil {
		if errors.Is(err, ErrEngineClosed) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "ENGINE_CLOSED"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "EMIT_REJECTED"})
		return
	}

	c.JSON(http.StatusAccepted, EmitResponse{Event: event, State: h.engine.GetSyncState()})
}

// HandleState handles GET /v1/sync/state.
func (h *Handlers) HandleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetSyncState())
}

// HandleSetMode handles POST /v1/sync/mode.
func (h *Handlers) HandleSetMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	mode, err := ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_MODE"})
		return
	}
	if err := h.engine.SetMode(mode); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "ENGINE_CLOSED"})
		return
	}
	c.JSON(http.StatusOK, h.engine.GetSyncState())
}

// HandleConflicts handles GET /v1/sync/conflicts.
//
// The optional "status" query selects "active" (default), "resolved", or
// "all".
func (h *Handlers) HandleConflicts(c *gin.Context) {
	status := c.DefaultQuery("status", "active")

	var resp ConflictsResponse
	switch status {
	case "active":
		resp.Active = h.engine.ActiveConflicts()
	case "resolved":
		resp.Resolved = h.engine.ResolvedConflicts()
	case "all":
		resp.Active = h.engine.ActiveConflicts()
		resp.Resolved = h.engine.ResolvedConflicts()
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "status must be active, resolved, or all", Code: "INVALID_STATUS"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePromptResponse handles POST /v1/sync/conflicts/:id/response.
//
// Response:
//
//	200 OK: The arbitration choice was delivered
//	404 Not Found: No prompt is waiting for this conflict
func (h *Handlers) HandlePromptResponse(c *gin.Context) {
	conflictID := c.Param("id")

	var req PromptResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	err := h.engine.HandleUserPromptResponse(conflictID, UserChoice{OptionID: req.OptionID, Data: req.Data})
	if err != nil {
		if errors.Is(err, ErrNoPendingPrompt) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NO_PENDING_PROMPT"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "RESPONSE_FAILED"})
		return
	}

	h.logger.Info("arbitration response accepted",
		slog.String("conflict_id", conflictID),
		slog.String("option_id", req.OptionID),
	)
	c.JSON(http.StatusOK, gin.H{"conflict_id": conflictID, "accepted": true})
}

// HandleHealth handles GET /v1/sync/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	report := h.engine.Monitor().Report()
	c.JSON(http.StatusOK, gin.H{
		"version": ServiceVersion,
		"report":  report,
	})
}

// HandleResolveAlert handles POST /v1/sync/alerts/:id/resolve.
func (h *Handlers) HandleResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if !h.engine.Monitor().ResolveAlert(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "alert not found or already resolved", Code: "UNKNOWN_ALERT"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert_id": id, "resolved": true})
}

// HandleFlush handles POST /v1/sync/flush: drains the pending queue now.
func (h *Handlers) HandleFlush(c *gin.Context) {
	h.engine.Flush()
	c.JSON(http.StatusOK, h.engine.GetSyncState())
}
