// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/engine"
	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
	"github.com/AleutianAI/AleutianScribe/services/scribe/handlers"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

// SetupRoutes registers the full HTTP surface.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, jobs *store.JobStore,
	dlq *store.DeadLetterStore, gateway *llm.Gateway, hub *events.Hub) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/progress", handlers.ProgressWebSocket(hub))

	v1 := router.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("", handlers.CreateJob(eng))
			jobsGroup.GET("", handlers.ListJobs(jobs))
			jobsGroup.GET("/:id", handlers.GetJob(jobs))
			jobsGroup.GET("/:id/document", handlers.GetDocument(jobs))
			jobsGroup.POST("/:id/cancel", handlers.CancelJob(eng))
		}

		deadletters := v1.Group("/deadletters")
		{
			deadletters.GET("", handlers.ListDeadLetters(dlq))
			deadletters.GET("/stats", handlers.DeadLetterStats(dlq))
			deadletters.POST("/:id/retry", handlers.RetryDeadLetter(eng))
		}

		healthGroup := v1.Group("/health")
		{
			healthGroup.GET("/breakers", handlers.BreakerHealth(gateway))
			healthGroup.POST("/breakers/:provider/reset", handlers.ResetBreaker(gateway))
		}
	}
}
