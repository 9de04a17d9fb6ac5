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

import "time"

// StageRecord is one completed stage inside a checkpoint.
type StageRecord struct {
	Output      StageOutput       `json:"output"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Checkpoint is the durable progress record for one job. It is created on
// the first stage completion and updated (never replaced wholesale) after
// every stage. On resume the engine reads it once and skips completed stages.
type Checkpoint struct {
	JobID     string              `json:"job_id"`
	Stages    map[int]StageRecord `json:"stages"`
	UpdatedAt time.Time           `json:"updated_at"`

	// ExpiresAt is when the checkpoint becomes stale and eligible for purge.
	ExpiresAt time.Time `json:"expires_at"`
}

// Completed reports whether a stage is recorded.
func (c *Checkpoint) Completed(stageID int) bool {
	if c == nil {
		return false
	}
	_, ok := c.Stages[stageID]
	return ok
}

// Stage returns the record for a stage, if present.
func (c *Checkpoint) Stage(stageID int) (StageRecord, bool) {
	if c == nil {
		return StageRecord{}, false
	}
	rec, ok := c.Stages[stageID]
	return rec, ok
}

// NextStage returns the lowest stage id in [1, lastStage] that is not yet
// recorded, or lastStage+1 when everything is done.
func (c *Checkpoint) NextStage(lastStage int) int {
	for id := 1; id <= lastStage; id++ {
		if !c.Completed(id) {
			return id
		}
	}
	return lastStage + 1
}
