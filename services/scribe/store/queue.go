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
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	queueKeyPrefix    = "queue:"
	inflightKeyPrefix = "inflight:"

	// queuePollInterval caps how long Dequeue sleeps between scans when no
	// wake-up signal arrives.
	queuePollInterval = 500 * time.Millisecond

	// DefaultVisibilityTimeout is how long a dequeued item stays invisible
	// before it is considered abandoned and redelivered.
	DefaultVisibilityTimeout = 10 * time.Minute
)

// WorkItem is one unit of scheduling: a single stage of a single job.
type WorkItem struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	StageID    int       `json:"stage_id"`
	Attempt    int       `json:"attempt"`
	ReadyAt    time.Time `json:"ready_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// leaseKey is the inflight key held between Dequeue and Ack. In-memory
	// only; never persisted.
	leaseKey []byte
}

// Queue is a durable delayed-delivery work queue with at-least-once
// semantics: Dequeue moves an item to an in-flight lease; unacked leases
// past the visibility timeout are redelivered. The engine's idempotent
// stage execution tolerates the resulting redeliveries.
type Queue struct {
	db         *badger.DB
	visibility time.Duration
	notify     chan struct{}
}

// NewQueue wraps the shared BadgerDB instance. A non-positive visibility
// timeout falls back to DefaultVisibilityTimeout.
func NewQueue(db *badger.DB, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Queue{
		db:         db,
		visibility: visibility,
		notify:     make(chan struct{}, 1),
	}
}

func queueKey(readyAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", queueKeyPrefix, readyAt.UnixNano(), id))
}

func inflightKey(deadline time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", inflightKeyPrefix, deadline.UnixNano(), id))
}

// Enqueue schedules a stage for execution after the given delay.
func (q *Queue) Enqueue(ctx context.Context, jobID string, stageID, attempt int, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	item := WorkItem{
		ID:         uuid.NewString(),
		JobID:      jobID,
		StageID:    stageID,
		Attempt:    attempt,
		ReadyAt:    now.Add(delay),
		EnqueuedAt: now,
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(item.ReadyAt, item.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}
	q.wake()
	return nil
}

// Dequeue blocks until a ready item is available or the context ends. The
// returned item is leased: the caller must Ack it on completion or it will
// be redelivered after the visibility timeout.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		if err := q.reclaimExpired(); err != nil {
			slog.Warn("inflight reclaim failed", "error", err)
		}

		item, wait, err := q.tryPop()
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, errQueueEmpty) {
			return WorkItem{}, err
		}

		if wait <= 0 || wait > queuePollInterval {
			wait = queuePollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WorkItem{}, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack releases the lease on a completed item.
func (q *Queue) Ack(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.leaseKey == nil {
		return fmt.Errorf("work item %s has no lease", item.ID)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(item.leaseKey)
	})
}

// Len returns the number of pending (not in-flight) items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

var errQueueEmpty = errors.New("queue empty")

// tryPop atomically moves the earliest ready item to an in-flight lease.
// When nothing is ready it returns errQueueEmpty plus how long until the
// next item becomes ready (zero when the queue is empty).
func (q *Queue) tryPop() (WorkItem, time.Duration, error) {
	var (
		item WorkItem
		wait time.Duration
	)
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now().UTC()
		it.Rewind()
		if !it.Valid() {
			return errQueueEmpty
		}

		// Keys sort by ready time, so the first entry is the earliest.
		var raw []byte
		if err := it.Item().Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return fmt.Errorf("read work item: %w", err)
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("decode work item: %w", err)
		}
		if item.ReadyAt.After(now) {
			wait = time.Until(item.ReadyAt)
			return errQueueEmpty
		}

		if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
			return fmt.Errorf("delete pending item: %w", err)
		}
		lease := inflightKey(now.Add(q.visibility), item.ID)
		if err := txn.Set(lease, raw); err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		item.leaseKey = lease
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another worker won the same item; treat as empty and rescan.
		return WorkItem{}, 0, errQueueEmpty
	}
	if err != nil {
		return WorkItem{}, wait, err
	}
	return item, 0, nil
}

// reclaimExpired re-enqueues in-flight items whose lease deadline passed
// (worker crash or stall). Redelivery keeps the original attempt count.
func (q *Queue) reclaimExpired() error {
	now := time.Now().UTC()
	return q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(inflightKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			deadlineNanos, ok := parseKeyNanos(string(key), inflightKeyPrefix)
			if !ok {
				continue
			}
			if time.Unix(0, deadlineNanos).After(now) {
				// Keys sort by deadline; everything later is still leased.
				break
			}

			var item WorkItem
			var raw []byte
			if err := it.Item().Value(func(val []byte) error {
				raw = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return fmt.Errorf("read lease: %w", err)
			}
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("decode lease: %w", err)
			}

			slog.Warn("redelivering abandoned work item",
				"job_id", item.JobID, "stage_id", item.StageID, "attempt", item.Attempt)
			item.ReadyAt = now
			reraw, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshal redelivery: %w", err)
			}
			if err := txn.Set(queueKey(now, item.ID), reraw); err != nil {
				return fmt.Errorf("re-enqueue lease: %w", err)
			}
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete lease: %w", err)
			}
		}
		return nil
	})
}

// parseKeyNanos extracts the timestamp segment of a queue or inflight key.
func parseKeyNanos(key, prefix string) (int64, bool) {
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return 0, false
	}
	ts, _, found := strings.Cut(rest, ":")
	if !found {
		return 0, false
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

// wake nudges one blocked Dequeue without ever blocking the producer.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
