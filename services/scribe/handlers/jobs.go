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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/engine"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

// CreateJobRequest is the submission body.
type CreateJobRequest struct {
	Topic   string               `json:"topic" binding:"required"`
	Options datatypes.JobOptions `json:"options"`
}

// CreateJob submits a new content-generation job.
func CreateJob(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
			return
		}

		job, err := eng.Submit(c.Request.Context(), req.Topic, req.Options)
		if err != nil {
			slog.Error("job submission failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// GetJob returns one job with its stage outputs.
func GetJob(jobs *store.JobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := jobs.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if err != nil {
			slog.Error("job lookup failed", "job_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListJobs returns all jobs.
func ListJobs(jobs *store.JobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := jobs.List(c.Request.Context())
		if err != nil {
			slog.Error("job listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": all, "count": len(all)})
	}
}

// GetDocument returns the finished document for a completed job.
func GetDocument(jobs *store.JobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := jobs.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}
		if job.Status != datatypes.JobStatusCompleted {
			c.JSON(http.StatusConflict, gin.H{"error": "job not completed", "status": job.Status})
			return
		}
		out, ok := job.Output(engine.StageFinalize)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "completed job has no document"})
			return
		}
		text, err := out.Text()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "document payload unreadable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "topic": job.Topic, "document": text.Text})
	}
}

// CancelJob requests cancellation at the next stage boundary.
func CancelJob(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := eng.Cancel(c.Request.Context(), id); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelling", "job_id": id})
	}
}
