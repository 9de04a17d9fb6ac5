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
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusStageFailed, false},
		{JobStatusCompleted, true},
		{JobStatusDead, true},
		{JobStatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("Terminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestNewJob(t *testing.T) {
	job := NewJob("some topic", JobOptions{Audience: "expert", MaxSources: 5})
	if job.ID == "" {
		t.Error("NewJob must assign an id")
	}
	if job.Status != JobStatusPending {
		t.Errorf("Status = %s, want PENDING", job.Status)
	}
	if job.Version != 0 {
		t.Errorf("Version = %d, want 0", job.Version)
	}
	if job.StageOutputs == nil {
		t.Error("StageOutputs must be initialized")
	}
	if job.Options.MaxSources != 5 {
		t.Errorf("MaxSources = %d, want 5", job.Options.MaxSources)
	}
}

func TestStageOutputKindMismatch(t *testing.T) {
	out, err := NewStageOutput(StageOutputText, TextPayload{Text: "hello"})
	if err != nil {
		t.Fatalf("NewStageOutput failed: %v", err)
	}

	if _, err := out.Text(); err != nil {
		t.Errorf("Text() on a text output failed: %v", err)
	}
	if _, err := out.Research(); err == nil {
		t.Error("Research() on a text output must fail")
	}
	if _, err := out.Review(); err == nil {
		t.Error("Review() on a text output must fail")
	}
}

func TestStageOutputRoundtrip(t *testing.T) {
	out, err := NewStageOutput(StageOutputResearch, ResearchPayload{
		Sources: []Source{{Identifier: "a", Title: "Paper"}},
		Stats:   DedupStats{Total: 1, Unique: 1, RetentionRate: 1},
	})
	if err != nil {
		t.Fatalf("NewStageOutput failed: %v", err)
	}
	rp, err := out.Research()
	if err != nil {
		t.Fatalf("Research() failed: %v", err)
	}
	if len(rp.Sources) != 1 || rp.Sources[0].Title != "Paper" {
		t.Errorf("sources did not roundtrip: %+v", rp.Sources)
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Attention Is All You Need", "attention is all you need"},
		{"Retrieval-Augmented   Generation!", "retrieval augmented generation"},
		{"  Leading & Trailing  ", "leading trailing"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestContentHashStability(t *testing.T) {
	a := ContentHash("Attention Is All You Need")
	b := ContentHash("attention is all   you need!")
	if a != b {
		t.Errorf("reformatted titles must hash identically: %s != %s", a, b)
	}
	if c := ContentHash("A Different Title"); c == a {
		t.Error("distinct titles must hash differently")
	}
}

func TestEnsureIdentifier(t *testing.T) {
	s := Source{Title: "Some Paper"}
	s.EnsureIdentifier()
	if s.Identifier != ContentHash("Some Paper") {
		t.Errorf("missing identifier must fall back to the content hash, got %q", s.Identifier)
	}

	s = Source{Identifier: "arXiv:1234", Title: "Some Paper"}
	s.EnsureIdentifier()
	if s.Identifier != "arXiv:1234" {
		t.Errorf("existing identifier must be kept, got %q", s.Identifier)
	}
}

func TestCheckpointNextStage(t *testing.T) {
	var nilCP *Checkpoint
	if got := nilCP.NextStage(5); got != 1 {
		t.Errorf("nil checkpoint NextStage = %d, want 1", got)
	}

	cp := &Checkpoint{Stages: map[int]StageRecord{1: {}, 2: {}, 4: {}}}
	if got := cp.NextStage(5); got != 3 {
		t.Errorf("NextStage = %d, want 3 (first gap)", got)
	}

	cp = &Checkpoint{Stages: map[int]StageRecord{1: {}, 2: {}, 3: {}}}
	if got := cp.NextStage(3); got != 4 {
		t.Errorf("NextStage past the end = %d, want 4", got)
	}
}
