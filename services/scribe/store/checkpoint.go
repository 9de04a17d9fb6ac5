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
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

const ckptKeyPrefix = "ckpt:"

// DefaultCheckpointTTL is how long a checkpoint survives without updates
// before PurgeExpired removes it.
const DefaultCheckpointTTL = 7 * 24 * time.Hour

// CheckpointStore persists per-job stage progress. Saves are append-only
// per stage and idempotent: re-saving a recorded stage keeps the original
// output and only refreshes the timestamps.
type CheckpointStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewCheckpointStore wraps the shared BadgerDB instance. A non-positive ttl
// falls back to DefaultCheckpointTTL.
func NewCheckpointStore(db *badger.DB, ttl time.Duration) *CheckpointStore {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &CheckpointStore{db: db, ttl: ttl}
}

func ckptKey(jobID string) []byte {
	return []byte(ckptKeyPrefix + jobID)
}

// Save records a completed stage. The checkpoint is created on the first
// stage completion and updated in place afterwards.
func (s *CheckpointStore) Save(ctx context.Context, jobID string, stageID int, output datatypes.StageOutput, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		cp := &datatypes.Checkpoint{
			JobID:  jobID,
			Stages: make(map[int]datatypes.StageRecord),
		}

		item, err := txn.Get(ckptKey(jobID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, cp)
			}); err != nil {
				return fmt.Errorf("decode checkpoint: %w", err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("get checkpoint: %w", err)
		}

		now := time.Now().UTC()
		if _, done := cp.Stages[stageID]; !done {
			cp.Stages[stageID] = datatypes.StageRecord{
				Output:      output,
				Metadata:    metadata,
				CompletedAt: now,
			}
		}
		cp.UpdatedAt = now
		cp.ExpiresAt = now.Add(s.ttl)

		raw, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return txn.Set(ckptKey(jobID), raw)
	})
}

// Load returns the checkpoint for a job, or (nil, nil) when none exists.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (*datatypes.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp *datatypes.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ckptKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get checkpoint: %w", err)
		}
		cp = &datatypes.Checkpoint{}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, cp)
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete removes a job's checkpoint (used after completion).
func (s *CheckpointStore) Delete(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ckptKey(jobID))
	})
}

// PurgeExpired removes checkpoints whose ExpiresAt has passed and returns
// how many were removed.
func (s *CheckpointStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var expired [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ckptKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cp datatypes.Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return fmt.Errorf("decode checkpoint: %w", err)
			}
			if !cp.ExpiresAt.IsZero() && cp.ExpiresAt.Before(now) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range expired {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("delete expired checkpoint: %w", err)
		}
	}
	return len(expired), nil
}

// =============================================================================
// Background Purger
// =============================================================================

// Purger periodically removes expired checkpoints. Uses the ticker + done
// channel pattern for graceful shutdown.
type Purger struct {
	store    *CheckpointStore
	interval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewPurger creates a purger. A non-positive interval defaults to 1 hour.
func NewPurger(store *CheckpointStore, interval time.Duration) *Purger {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{store: store, interval: interval, done: make(chan struct{})}
}

// Start begins the background purge loop. Returns an error if already
// running.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("checkpoint purger is already running")
	}
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	slog.Info("checkpoint purger starting", "interval", p.interval.String())
	go p.run(ctx)
	return nil
}

// Stop signals the purge loop to exit. Safe to call multiple times.
func (p *Purger) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.done)
	p.running = false
}

func (p *Purger) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			n, err := p.store.PurgeExpired(ctx)
			if err != nil {
				slog.Error("checkpoint purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired checkpoints", "count", n)
			}
		}
	}
}
