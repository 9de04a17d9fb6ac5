// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const progressPingInterval = 30 * time.Second

// ProgressWebSocket streams job progress events. An optional job_id query
// parameter narrows the stream to one job.
func ProgressWebSocket(hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		jobID := c.Query("job_id")
		ch, cancel := hub.Subscribe(jobID)
		defer cancel()
		slog.Info("progress subscriber connected", "job_id", jobID)

		// Reads are discarded; a read error is the disconnect signal.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(progressPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				slog.Info("progress subscriber disconnected", "job_id", jobID)
				return
			case <-c.Request.Context().Done():
				return
			case event := <-ch:
				if err := ws.WriteJSON(event); err != nil {
					slog.Warn("progress write failed", "error", err)
					return
				}
			case <-ping.C:
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
