// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry records a job that exhausted its retry budget. Entries are
// removed only by explicit operator action (retry-and-delete, or purge).
type DeadLetterEntry struct {
	JobID         string          `json:"job_id"`
	TaskType      string          `json:"task_type"`
	Payload       json.RawMessage `json:"payload_snapshot"`
	FailureReason string          `json:"failure_reason"`
	RetryCount    int             `json:"retry_count"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
}

// DeadLetterStats drives operational health signals.
type DeadLetterStats struct {
	Total      int            `json:"total"`
	ByTaskType map[string]int `json:"by_task_type"`

	// Recent counts entries whose last failure is within the recency window
	// (24h). RequiresAttention is set when Recent exceeds the warn threshold.
	Recent            int  `json:"recent"`
	RequiresAttention bool `json:"requires_attention"`
}
