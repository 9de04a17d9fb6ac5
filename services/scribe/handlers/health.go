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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScribe/services/llm"
)

// HealthCheck is the liveness probe.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// BreakerHealth reports every provider breaker's state.
func BreakerHealth(gateway *llm.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshots := gateway.BreakerSnapshots()
		degraded := false
		for _, snap := range snapshots {
			if snap.State != llm.CircuitClosed.String() {
				degraded = true
				break
			}
		}
		status := "ok"
		code := http.StatusOK
		if degraded {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "breakers": snapshots})
	}
}

// ResetBreaker force-closes one provider's breaker. Operator escape hatch
// after a known-transient outage.
func ResetBreaker(gateway *llm.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		gateway.Breakers().Get(provider).Reset()
		c.JSON(http.StatusOK, gin.H{"status": "reset", "provider": provider})
	}
}
