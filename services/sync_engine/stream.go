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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/duet/services/sync_engine/health"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// StreamFrame is one message on the WebSocket stream.
type StreamFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// streamBuffer bounds the per-client outbound queue; a slow client drops
// frames rather than backpressuring the engine.
const streamBuffer = 256

// HandleStream handles GET /v1/sync/stream.
//
// # Description
//
// Upgrades to a WebSocket and forwards the engine's broadcast stream:
// admitted events ("event"), conflict lifecycle updates ("conflict"),
// arbitration prompts ("prompt"), and health alerts ("alert"). The first
// frame is a "state" snapshot. Inbound frames are ignored except for close
// handling; arbitration responses go through the REST endpoint.
func (h *Handlers) HandleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger := h.logger.With(slog.String("handler", "HandleStream"))
	logger.Info("stream client connected")

	frames := make(chan StreamFrame, streamBuffer)
	send := func(frame StreamFrame) {
		select {
		case frames <- frame:
		default:
			// Slow consumer; drop rather than block the engine.
		}
	}

	unsubEvents := h.engine.SubscribeAll(func(e *EditEvent) {
		send(StreamFrame{Type: "event", Data: e})
	})
	defer unsubEvents()

	unsubConflicts := h.engine.SubscribeToConflicts(func(conflict Conflict) {
		send(StreamFrame{Type: "conflict", Data: conflict})
	})
	defer unsubConflicts()

	unsubPrompts := h.engine.OnArbitrationRequest(func(req ArbitrationRequest) {
		send(StreamFrame{Type: "prompt", Data: req})
	})
	defer unsubPrompts()

	unsubAlerts := h.engine.Monitor().SubscribeAlerts(func(alert health.Alert) {
		send(StreamFrame{Type: "alert", Data: alert})
	})
	defer unsubAlerts()

	if err := ws.WriteJSON(StreamFrame{Type: "state", Data: h.engine.GetSyncState()}); err != nil {
		return
	}

	// Reader goroutine: detects disconnect and unblocks the writer loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-frames:
			if err := ws.WriteJSON(frame); err != nil {
				logger.Info("stream client write failed", slog.String("error", err.Error()))
				return
			}
		case <-done:
			logger.Info("stream client disconnected")
			return
		}
	}
}
