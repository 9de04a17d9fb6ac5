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

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestJobStore_CreateAndGet verifies the basic roundtrip.
func TestJobStore_CreateAndGet(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{Audience: "expert"})
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Topic, got.Topic)
	assert.Equal(t, datatypes.JobStatusPending, got.Status)
	assert.Equal(t, "expert", got.Options.Audience)
	assert.Equal(t, uint64(0), got.Version)
}

// TestJobStore_CreateDuplicate verifies id collisions are rejected.
func TestJobStore_CreateDuplicate(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{})
	require.NoError(t, s.Create(ctx, job))
	assert.ErrorIs(t, s.Create(ctx, job), ErrJobExists)
}

// TestJobStore_GetMissing verifies the not-found sentinel.
func TestJobStore_GetMissing(t *testing.T) {
	s := NewJobStore(testDB(t))
	_, err := s.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// TestJobStore_UpdateBumpsVersion verifies the optimistic-concurrency
// contract: a successful update increments the version in place and in the
// store.
func TestJobStore_UpdateBumpsVersion(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{})
	require.NoError(t, s.Create(ctx, job))

	job.Status = datatypes.JobStatusRunning
	require.NoError(t, s.Update(ctx, job))
	assert.Equal(t, uint64(1), job.Version)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusRunning, got.Status)
	assert.Equal(t, uint64(1), got.Version)
}

// TestJobStore_StaleVersionConflicts verifies a lost race surfaces as
// ErrVersionConflict, leaving the winner's write intact.
func TestJobStore_StaleVersionConflicts(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{})
	require.NoError(t, s.Create(ctx, job))

	winner, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	loser, err := s.Get(ctx, job.ID)
	require.NoError(t, err)

	winner.Status = datatypes.JobStatusRunning
	require.NoError(t, s.Update(ctx, winner))

	loser.Status = datatypes.JobStatusCancelled
	assert.ErrorIs(t, s.Update(ctx, loser), ErrVersionConflict)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusRunning, got.Status, "winner's transition must survive")
}

// TestJobStore_UpdateMissing verifies updating a nonexistent job fails.
func TestJobStore_UpdateMissing(t *testing.T) {
	s := NewJobStore(testDB(t))
	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{})
	assert.ErrorIs(t, s.Update(context.Background(), job), ErrJobNotFound)
}

// TestJobStore_List verifies all jobs come back.
func TestJobStore_List(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, datatypes.NewJob("some topic for listing", datatypes.JobOptions{})))
	}
	jobs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

// TestJobStore_StageOutputsRoundtrip verifies stage outputs survive
// serialization.
func TestJobStore_StageOutputsRoundtrip(t *testing.T) {
	s := NewJobStore(testDB(t))
	ctx := context.Background()

	job := datatypes.NewJob("a survey of consensus protocols", datatypes.JobOptions{})
	out, err := datatypes.NewStageOutput(datatypes.StageOutputText, datatypes.TextPayload{Text: "validated"})
	require.NoError(t, err)
	job.StageOutputs[1] = out
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	stored, ok := got.Output(1)
	require.True(t, ok)
	payload, err := stored.Text()
	require.NoError(t, err)
	assert.Equal(t, "validated", payload.Text)
}
