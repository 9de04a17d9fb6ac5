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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

var (
	// ErrJobNotFound is returned when no job exists under the id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned by Create when the id is already taken.
	ErrJobExists = errors.New("job already exists")

	// ErrVersionConflict is returned when an update carries a stale version.
	// Callers treat this as a lost race, not data corruption.
	ErrVersionConflict = errors.New("job version conflict")
)

const jobKeyPrefix = "job:"

// JobStore persists jobs with optimistic concurrency: every update must
// carry the version it read, and the store bumps the version on commit.
// At most one writer wins any given transition.
type JobStore struct {
	db *badger.DB
}

// NewJobStore wraps the shared BadgerDB instance.
func NewJobStore(db *badger.DB) *JobStore {
	return &JobStore{db: db}
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

// Create persists a new job. Fails with ErrJobExists on id collision.
func (s *JobStore) Create(ctx context.Context, job *datatypes.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := jobKey(job.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("job %s: %w", job.ID, ErrJobExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check job existence: %w", err)
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		return txn.Set(key, raw)
	})
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*datatypes.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job datatypes.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Update commits a mutated job if and only if the stored version still
// matches job.Version. On success the stored record carries job.Version+1
// and the passed job is updated in place to match. A stale version returns
// ErrVersionConflict.
func (s *JobStore) Update(ctx context.Context, job *datatypes.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(job.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("get job for update: %w", err)
		}

		var current datatypes.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return fmt.Errorf("decode stored job: %w", err)
		}
		if current.Version != job.Version {
			return fmt.Errorf("job %s: stored v%d, caller v%d: %w",
				job.ID, current.Version, job.Version, ErrVersionConflict)
		}

		job.Version++
		raw, err := json.Marshal(job)
		if err != nil {
			job.Version--
			return fmt.Errorf("marshal job: %w", err)
		}
		return txn.Set(jobKey(job.ID), raw)
	})
	// Badger's own SSI conflict means a concurrent writer committed first;
	// surface it under the same sentinel the version check uses.
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("job %s: %w", job.ID, ErrVersionConflict)
	}
	return err
}

// List returns all jobs. Intended for introspection endpoints, not hot paths.
func (s *JobStore) List(ctx context.Context) ([]*datatypes.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*datatypes.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job datatypes.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
