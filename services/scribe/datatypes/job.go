// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the scribe service:
// jobs, stage outputs, research sources, checkpoints, and dead letters.
//
// Types here are persistence and wire shapes only. Behavior lives in the
// engine, research, and store packages.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a content-generation job.
//
// Valid transitions:
//
//	PENDING → RUNNING → {COMPLETED | STAGE_FAILED | CANCELLED}
//	STAGE_FAILED → DEAD (after dead-lettering)
//
// COMPLETED, DEAD, and CANCELLED are terminal.
type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusStageFailed JobStatus = "STAGE_FAILED"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusDead        JobStatus = "DEAD"
	JobStatusCancelled   JobStatus = "CANCELLED"
)

// Terminal reports whether no further stage execution is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusDead, JobStatusCancelled:
		return true
	}
	return false
}

// JobOptions carries caller-supplied knobs for one job.
type JobOptions struct {
	// Audience hints the writing register (e.g. "general", "expert").
	Audience string `json:"audience,omitempty"`

	// Language is an ISO 639-1 code. Empty means English.
	Language string `json:"language,omitempty"`

	// MaxSources caps the research result set. Zero means the service default.
	MaxSources int `json:"max_sources,omitempty"`

	// MinRelevance overrides the relevance-filter floor (0 disables override).
	MinRelevance float64 `json:"min_relevance,omitempty"`
}

// Job is one execution of the content-generation workflow.
//
// # Concurrency
//
// A Job value is not shared between goroutines. Coordination happens through
// the job store: every mutation goes through an optimistic compare-and-set on
// Version, so at most one worker wins any given transition.
type Job struct {
	ID           string              `json:"id"`
	Topic        string              `json:"topic"`
	Options      JobOptions          `json:"options"`
	Status       JobStatus           `json:"status"`
	CurrentStage int                 `json:"current_stage"`
	StageOutputs map[int]StageOutput `json:"stage_outputs"`
	ErrorMessage string              `json:"error_message,omitempty"`
	RetryCount   int                 `json:"retry_count"`

	// Version is a monotonic counter bumped by the job store on every
	// successful update. A stale Version aborts the update as a conflict.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a PENDING job for a topic.
func NewJob(topic string, opts JobOptions) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.NewString(),
		Topic:        topic,
		Options:      opts,
		Status:       JobStatusPending,
		CurrentStage: 0,
		StageOutputs: make(map[int]StageOutput),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Output returns the stored output for a stage, if present.
func (j *Job) Output(stageID int) (StageOutput, bool) {
	out, ok := j.StageOutputs[stageID]
	return out, ok
}

// =============================================================================
// Stage Outputs
// =============================================================================

// StageOutputKind tags the payload type carried by a StageOutput.
type StageOutputKind string

const (
	StageOutputText      StageOutputKind = "text"
	StageOutputContext   StageOutputKind = "context"
	StageOutputResearch  StageOutputKind = "research"
	StageOutputSections  StageOutputKind = "sections"
	StageOutputCitations StageOutputKind = "citations"
	StageOutputReview    StageOutputKind = "review"
)

// StageOutput is the tagged union stored per completed stage. The payload is
// kept serialized so the engine can persist it generically; stage code decodes
// it through the typed accessors below, never by poking at raw JSON.
type StageOutput struct {
	Kind    StageOutputKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewStageOutput marshals a typed payload under its kind tag.
func NewStageOutput(kind StageOutputKind, payload any) (StageOutput, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StageOutput{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return StageOutput{Kind: kind, Payload: raw}, nil
}

func (o StageOutput) decode(kind StageOutputKind, dst any) error {
	if o.Kind != kind {
		return fmt.Errorf("stage output is %q, want %q", o.Kind, kind)
	}
	if err := json.Unmarshal(o.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// TextPayload is a free-text result (validated topic, formatted document).
type TextPayload struct {
	Text   string `json:"text"`
	Model  string `json:"model,omitempty"`
	Tokens int    `json:"tokens,omitempty"`
}

// ContextPayload is the research brief produced before any searching happens.
type ContextPayload struct {
	Brief   string   `json:"brief"`
	Queries []string `json:"queries"`
}

// ResearchPayload is a ranked, deduplicated source set.
type ResearchPayload struct {
	Sources []Source   `json:"sources"`
	Stats   DedupStats `json:"stats"`
}

// Section is one heading plus its generated body (empty until generated).
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body,omitempty"`
}

// SectionsPayload is the document outline or the generated section set.
type SectionsPayload struct {
	Sections []Section `json:"sections"`
}

// Citation links a document position to a research source.
type Citation struct {
	Index    int      `json:"index"`
	SourceID string   `json:"source_id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Origin   string   `json:"origin,omitempty"`
}

// CitationsPayload is the citation list for the assembled document.
type CitationsPayload struct {
	Citations []Citation `json:"citations"`
}

// FactCheck is the verdict for a single checked claim.
type FactCheck struct {
	Claim      string  `json:"claim"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// ReviewPayload carries quality and fact-check results.
type ReviewPayload struct {
	QualityScore float64     `json:"quality_score"`
	FactChecks   []FactCheck `json:"fact_checks,omitempty"`
	Approved     bool        `json:"approved"`
}

// Text decodes a StageOutputText payload.
func (o StageOutput) Text() (TextPayload, error) {
	var p TextPayload
	err := o.decode(StageOutputText, &p)
	return p, err
}

// Context decodes a StageOutputContext payload.
func (o StageOutput) Context() (ContextPayload, error) {
	var p ContextPayload
	err := o.decode(StageOutputContext, &p)
	return p, err
}

// Research decodes a StageOutputResearch payload.
func (o StageOutput) Research() (ResearchPayload, error) {
	var p ResearchPayload
	err := o.decode(StageOutputResearch, &p)
	return p, err
}

// Sections decodes a StageOutputSections payload.
func (o StageOutput) Sections() (SectionsPayload, error) {
	var p SectionsPayload
	err := o.decode(StageOutputSections, &p)
	return p, err
}

// Citations decodes a StageOutputCitations payload.
func (o StageOutput) Citations() (CitationsPayload, error) {
	var p CitationsPayload
	err := o.decode(StageOutputCitations, &p)
	return p, err
}

// Review decodes a StageOutputReview payload.
func (o StageOutput) Review() (ReviewPayload, error) {
	var p ReviewPayload
	err := o.decode(StageOutputReview, &p)
	return p, err
}
