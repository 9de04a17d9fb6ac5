// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// TestDeadLetterStore_RecordAndGet verifies the roundtrip and the timestamp
// defaults.
func TestDeadLetterStore_RecordAndGet(t *testing.T) {
	s := NewDeadLetterStore(testDB(t), 0)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID:         "job-1",
		TaskType:      "generate_sections",
		FailureReason: "all providers exhausted",
		RetryCount:    3,
	}))

	entry, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "generate_sections", entry.TaskType)
	assert.Equal(t, 3, entry.RetryCount)
	assert.False(t, entry.FirstFailedAt.IsZero())
	assert.False(t, entry.LastFailedAt.IsZero())
}

// TestDeadLetterStore_RecordMergesFirstFailure verifies re-recording keeps
// the original first-failure time while updating the rest.
func TestDeadLetterStore_RecordMergesFirstFailure(t *testing.T) {
	s := NewDeadLetterStore(testDB(t), 0)
	ctx := context.Background()

	first := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID:         "job-1",
		TaskType:      "fact_check",
		FailureReason: "first failure",
		FirstFailedAt: first,
		LastFailedAt:  first,
	}))
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID:         "job-1",
		TaskType:      "fact_check",
		FailureReason: "second failure",
		RetryCount:    1,
	}))

	entry, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, entry.FirstFailedAt.Equal(first), "first failure time must be preserved")
	assert.Equal(t, "second failure", entry.FailureReason)
	assert.Equal(t, 1, entry.RetryCount)
	assert.True(t, entry.LastFailedAt.After(first))
}

// TestDeadLetterStore_ListFilterAndOrder verifies filtering and the
// newest-first ordering.
func TestDeadLetterStore_ListFilterAndOrder(t *testing.T) {
	s := NewDeadLetterStore(testDB(t), 0)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID: "old", TaskType: "plan", LastFailedAt: now.Add(-48 * time.Hour), FirstFailedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID: "mid", TaskType: "generate_sections", LastFailedAt: now.Add(-2 * time.Hour), FirstFailedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID: "new", TaskType: "plan", LastFailedAt: now.Add(-time.Minute), FirstFailedAt: now.Add(-time.Minute),
	}))

	all, err := s.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].JobID)
	assert.Equal(t, "mid", all[1].JobID)
	assert.Equal(t, "old", all[2].JobID)

	plans, err := s.List(ctx, DeadLetterFilter{TaskType: "plan"})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	recent, err := s.List(ctx, DeadLetterFilter{Since: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].JobID)
}

// TestDeadLetterStore_Remove verifies deletion and its sentinel.
func TestDeadLetterStore_Remove(t *testing.T) {
	s := NewDeadLetterStore(testDB(t), 0)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{JobID: "job-1", TaskType: "plan"}))
	require.NoError(t, s.Remove(ctx, "job-1"))

	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "job-1"), ErrDeadLetterNotFound)
}

// TestDeadLetterStore_Stats verifies aggregation and the attention flag.
func TestDeadLetterStore_Stats(t *testing.T) {
	s := NewDeadLetterStore(testDB(t), 2)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{JobID: "a", TaskType: "plan"}))
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{JobID: "b", TaskType: "plan"}))
	require.NoError(t, s.Record(ctx, datatypes.DeadLetterEntry{
		JobID: "c", TaskType: "fact_check",
		FirstFailedAt: now.Add(-72 * time.Hour), LastFailedAt: now.Add(-72 * time.Hour),
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByTaskType["plan"])
	assert.Equal(t, 1, stats.ByTaskType["fact_check"])
	assert.Equal(t, 2, stats.Recent, "72h-old entry is outside the recency window")
	assert.True(t, stats.RequiresAttention)
}
