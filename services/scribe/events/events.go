// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events delivers job progress updates to interested subscribers,
// primarily the progress WebSocket.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// ProgressEvent is one job progress update.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	StageID   int       `json:"stage_id"`
	StageName string    `json:"stage_name"`
	Status    string    `json:"status"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster publishes progress events. Emit must never block the caller;
// slow or absent consumers lose events rather than stall the engine.
type Broadcaster interface {
	Emit(event ProgressEvent)
}

// NoopBroadcaster discards every event. Used when no progress surface is
// configured and throughout tests.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Emit(ProgressEvent) {}

// subscriberBuffer bounds each subscriber channel. A full buffer drops the
// event for that subscriber only.
const subscriberBuffer = 64

type subscriber struct {
	jobID string
	ch    chan ProgressEvent
}

// Hub fans events out to subscribers. Each subscriber optionally filters by
// job id; an empty filter receives everything.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener. The returned cancel function must be
// called to release the subscription; the channel is closed by cancel.
func (h *Hub) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	sub := &subscriber{
		jobID: jobID,
		ch:    make(chan ProgressEvent, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit delivers the event to every matching subscriber without blocking.
func (h *Hub) Emit(event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.jobID != "" && sub.jobID != event.JobID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Debug("progress subscriber lagging, event dropped",
				"job_id", event.JobID, "stage_id", event.StageID)
		}
	}
}

// SubscriberCount reports active subscriptions. Used by the health surface.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
