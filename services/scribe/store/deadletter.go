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
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

const dlqKeyPrefix = "dlq:"

// ErrDeadLetterNotFound is returned when no entry exists for the job id.
var ErrDeadLetterNotFound = errors.New("dead letter entry not found")

// DeadLetterRecencyWindow bounds the "recent failures" health signal.
const DeadLetterRecencyWindow = 24 * time.Hour

// DeadLetterFilter narrows List results. Zero values match everything.
type DeadLetterFilter struct {
	TaskType string
	Since    time.Time
	Until    time.Time
}

// DeadLetterStore records jobs that exhausted their retry budget. Entries
// survive until an operator retries or purges them.
type DeadLetterStore struct {
	db *badger.DB

	// warnThreshold is the recent-failure count above which Stats flags
	// RequiresAttention.
	warnThreshold int
}

// NewDeadLetterStore wraps the shared BadgerDB instance. A non-positive
// warnThreshold defaults to 5.
func NewDeadLetterStore(db *badger.DB, warnThreshold int) *DeadLetterStore {
	if warnThreshold <= 0 {
		warnThreshold = 5
	}
	return &DeadLetterStore{db: db, warnThreshold: warnThreshold}
}

func dlqKey(jobID string) []byte {
	return []byte(dlqKeyPrefix + jobID)
}

// Record stores a dead letter. Re-recording the same job merges: the first
// failure time is preserved, everything else is updated.
func (s *DeadLetterStore) Record(ctx context.Context, entry datatypes.DeadLetterEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		if entry.FirstFailedAt.IsZero() {
			entry.FirstFailedAt = now
		}
		if entry.LastFailedAt.IsZero() {
			entry.LastFailedAt = now
		}

		if item, err := txn.Get(dlqKey(entry.JobID)); err == nil {
			var existing datatypes.DeadLetterEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			entry.FirstFailedAt = existing.FirstFailedAt
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get dead letter: %w", err)
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		return txn.Set(dlqKey(entry.JobID), raw)
	})
}

// Get loads one entry.
func (s *DeadLetterStore) Get(ctx context.Context, jobID string) (*datatypes.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry datatypes.DeadLetterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dlqKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s: %w", jobID, ErrDeadLetterNotFound)
		}
		if err != nil {
			return fmt.Errorf("get dead letter: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns entries matching the filter, newest failures first.
func (s *DeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]datatypes.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []datatypes.DeadLetterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(dlqKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry datatypes.DeadLetterEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			if filter.TaskType != "" && entry.TaskType != filter.TaskType {
				continue
			}
			if !filter.Since.IsZero() && entry.LastFailedAt.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && entry.LastFailedAt.After(filter.Until) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastFailedAt.After(entries[j].LastFailedAt)
	})
	return entries, nil
}

// Remove deletes one entry (retry-and-delete or purge paths).
func (s *DeadLetterStore) Remove(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dlqKey(jobID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s: %w", jobID, ErrDeadLetterNotFound)
		} else if err != nil {
			return fmt.Errorf("get dead letter: %w", err)
		}
		return txn.Delete(dlqKey(jobID))
	})
}

// Stats aggregates entry counts by task type and recency for the health
// endpoint.
func (s *DeadLetterStore) Stats(ctx context.Context) (datatypes.DeadLetterStats, error) {
	entries, err := s.List(ctx, DeadLetterFilter{})
	if err != nil {
		return datatypes.DeadLetterStats{}, err
	}
	stats := datatypes.DeadLetterStats{
		ByTaskType: make(map[string]int),
	}
	cutoff := time.Now().UTC().Add(-DeadLetterRecencyWindow)
	for _, entry := range entries {
		stats.Total++
		stats.ByTaskType[entry.TaskType]++
		if entry.LastFailedAt.After(cutoff) {
			stats.Recent++
		}
	}
	stats.RequiresAttention = stats.Recent >= s.warnThreshold
	return stats, nil
}
