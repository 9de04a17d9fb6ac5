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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScribe/services/scribe/engine"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

// ListDeadLetters returns dead letter entries, optionally filtered by
// task_type and since (RFC 3339).
func ListDeadLetters(dlq *store.DeadLetterStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.DeadLetterFilter{TaskType: c.Query("task_type")}
		if since := c.Query("since"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
				return
			}
			filter.Since = ts
		}

		entries, err := dlq.List(c.Request.Context(), filter)
		if err != nil {
			slog.Error("dead letter listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
	}
}

// DeadLetterStats returns aggregate dead letter counts for dashboards.
func DeadLetterStats(dlq *store.DeadLetterStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := dlq.Stats(c.Request.Context())
		if err != nil {
			slog.Error("dead letter stats failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// RetryDeadLetter re-activates a dead-lettered job from its checkpoint.
func RetryDeadLetter(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := eng.RetryDeadLetter(c.Request.Context(), id)
		if errors.Is(err, store.ErrDeadLetterNotFound) || errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		if err != nil {
			slog.Error("dead letter retry failed", "job_id", id, "error", err)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "retrying", "job_id": id})
	}
}
