// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
	"github.com/AleutianAI/AleutianScribe/services/scribe/research"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

// scriptedGenerator replays canned responses per task type, in order. The
// last response for a task is reused once the script runs out.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses map[llm.TaskType][]string
	err       error
	calls     map[llm.TaskType]int
}

func newScriptedGenerator(responses map[llm.TaskType][]string) *scriptedGenerator {
	return &scriptedGenerator{responses: responses, calls: make(map[llm.TaskType]int)}
}

func (g *scriptedGenerator) Generate(ctx context.Context, task llm.TaskType, prompt string, params llm.GenerationParams) (llm.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[task]++
	if g.err != nil {
		return llm.GenerationResult{}, g.err
	}
	script := g.responses[task]
	if len(script) == 0 {
		return llm.GenerationResult{}, errors.New("no scripted response for task " + string(task))
	}
	idx := g.calls[task] - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return llm.GenerationResult{Text: script[idx], Model: "scripted"}, nil
}

func (g *scriptedGenerator) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

type stubResearcher struct {
	mu      sync.Mutex
	sources []datatypes.Source
	err     error
	calls   int
}

func (r *stubResearcher) Search(ctx context.Context, topic string, queries []string, scope research.Scope) ([]datatypes.Source, datatypes.DedupStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, datatypes.DedupStats{}, r.err
	}
	out := append([]datatypes.Source(nil), r.sources...)
	return out, datatypes.DedupStats{Total: len(out), Unique: len(out), RetentionRate: 1}, nil
}

func (r *stubResearcher) Merge(ctx context.Context, topic string, batches ...[]datatypes.Source) ([]datatypes.Source, datatypes.DedupStats, error) {
	var combined []datatypes.Source
	for _, b := range batches {
		combined = append(combined, b...)
	}
	return combined, datatypes.DedupStats{Total: len(combined), Unique: len(combined), RetentionRate: 1}, nil
}

type testHarness struct {
	engine      *Engine
	jobs        *store.JobStore
	queue       *store.Queue
	checkpoints *store.CheckpointStore
	deadLetters *store.DeadLetterStore
	generator   *scriptedGenerator
	researcher  *stubResearcher
}

func newHarness(t *testing.T, cfg Config, gen *scriptedGenerator, res *stubResearcher) *testHarness {
	t.Helper()
	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &testHarness{
		jobs:        store.NewJobStore(db),
		queue:       store.NewQueue(db, time.Minute),
		checkpoints: store.NewCheckpointStore(db, 0),
		deadLetters: store.NewDeadLetterStore(db, 0),
		generator:   gen,
		researcher:  res,
	}
	h.engine, err = New(cfg, Dependencies{
		Jobs:        h.jobs,
		Checkpoints: h.checkpoints,
		DeadLetters: h.deadLetters,
		Queue:       h.queue,
		Generator:   gen,
		Researcher:  res,
	})
	require.NoError(t, err)
	return h
}

func (h *testHarness) waitForStatus(t *testing.T, jobID string, want datatypes.JobStatus) *datatypes.Job {
	t.Helper()
	var job *datatypes.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 10*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func happyPathGenerator() *scriptedGenerator {
	return newScriptedGenerator(map[llm.TaskType][]string{
		llm.TaskPlanning: {
			`{"brief": "A short brief.", "queries": ["raft basics", "raft elections"]}`,
			`{"sections": [{"heading": "Introduction"}, {"heading": "Details"}]}`,
		},
		llm.TaskGeneration: {
			"The introduction covers the basics [1].",
			"The details build on the introduction [1].",
		},
		llm.TaskRelevance: {"0.9"},
		llm.TaskFactCheck: {`{"fact_checks": [{"claim": "raft elects a leader", "verdict": "supported", "confidence": 0.95}]}`},
	})
}

func testSources() []datatypes.Source {
	return []datatypes.Source{
		{Identifier: "src-1", Title: "In Search of an Understandable Consensus Algorithm",
			Authors: []string{"Ongaro", "Ousterhout"}, Year: 2014, Origin: datatypes.OriginInternal},
	}
}

// TestEngine_FullPipeline runs a job through every stage to completion and
// checks the final document plus the accumulated checkpoint.
func TestEngine_FullPipeline(t *testing.T) {
	gen := happyPathGenerator()
	h := newHarness(t, Config{Workers: 1, RetryBaseDelay: time.Millisecond}, gen, &stubResearcher{sources: testSources()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	job, err := h.engine.Submit(ctx, "the raft consensus algorithm explained", datatypes.JobOptions{Audience: "expert"})
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, datatypes.JobStatusCompleted)
	assert.Equal(t, LastStage, done.CurrentStage)
	assert.Empty(t, done.ErrorMessage)

	final, ok := done.Output(StageFinalize)
	require.True(t, ok)
	doc, err := final.Text()
	require.NoError(t, err)
	assert.Contains(t, doc.Text, "# the raft consensus algorithm explained")
	assert.Contains(t, doc.Text, "## Introduction")
	assert.Contains(t, doc.Text, "## Details")
	assert.Contains(t, doc.Text, "## References")
	assert.Contains(t, doc.Text, "In Search of an Understandable Consensus Algorithm")

	cp, err := h.checkpoints.Load(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	for stage := 1; stage <= LastStage; stage++ {
		assert.True(t, cp.Completed(stage), "stage %d missing from checkpoint", stage)
	}

	// Both research passes ran, nothing more.
	assert.Equal(t, 2, h.researcher.calls)
}

// TestEngine_SubmitEnqueuesFirstStage verifies Submit's persistence plus
// scheduling side effects without running workers.
func TestEngine_SubmitEnqueuesFirstStage(t *testing.T) {
	h := newHarness(t, DefaultConfig(), happyPathGenerator(), &stubResearcher{})
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "a perfectly reasonable topic", datatypes.JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusPending, job.Status)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestEngine_CheckpointReplaySkipsProviders verifies a redelivered stage
// whose checkpoint exists replays the stored output without a provider call.
func TestEngine_CheckpointReplaySkipsProviders(t *testing.T) {
	gen := happyPathGenerator()
	h := newHarness(t, DefaultConfig(), gen, &stubResearcher{})
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	job.Status = datatypes.JobStatusRunning
	require.NoError(t, h.jobs.Create(ctx, job))

	recorded, err := datatypes.NewStageOutput(datatypes.StageOutputContext, datatypes.ContextPayload{
		Brief: "stored brief", Queries: []string{"stored query"},
	})
	require.NoError(t, err)
	require.NoError(t, h.checkpoints.Save(ctx, job.ID, StageBuildContext, recorded, nil))

	h.engine.process(ctx, store.WorkItem{JobID: job.ID, StageID: StageBuildContext})

	assert.Equal(t, 0, gen.totalCalls(), "replay must not touch any provider")

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	out, ok := got.Output(StageBuildContext)
	require.True(t, ok)
	payload, err := out.Context()
	require.NoError(t, err)
	assert.Equal(t, "stored brief", payload.Brief)
	assert.Equal(t, StageBuildContext, got.CurrentStage)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replay still schedules the next stage")
}

// TestEngine_StageFailureRetriesWithBackoff verifies a failing stage
// consumes retry budget and re-enqueues rather than dead-lettering.
func TestEngine_StageFailureRetriesWithBackoff(t *testing.T) {
	res := &stubResearcher{err: errors.New("index offline")}
	h := newHarness(t, Config{MaxStageRetries: 2, RetryBaseDelay: time.Millisecond}, happyPathGenerator(), res)
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	job.Status = datatypes.JobStatusRunning
	require.NoError(t, h.jobs.Create(ctx, job))

	h.engine.process(ctx, store.WorkItem{JobID: job.ID, StageID: StageInternalResearch, Attempt: 0})

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "index offline")

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "retry must be re-enqueued")
}

// TestEngine_ExhaustedRetriesDeadLetter verifies the final failure parks the
// job in the dead-letter store.
func TestEngine_ExhaustedRetriesDeadLetter(t *testing.T) {
	res := &stubResearcher{err: errors.New("index offline")}
	h := newHarness(t, Config{MaxStageRetries: 2, RetryBaseDelay: time.Millisecond}, happyPathGenerator(), res)
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	job.Status = datatypes.JobStatusRunning
	job.RetryCount = 2
	require.NoError(t, h.jobs.Create(ctx, job))

	// Attempt equals the budget, so the next failure is terminal.
	h.engine.process(ctx, store.WorkItem{JobID: job.ID, StageID: StageInternalResearch, Attempt: 2})

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusDead, got.Status)

	entry, err := h.deadLetters.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "internal-research", entry.TaskType)
	assert.Contains(t, entry.FailureReason, "index offline")
	assert.Equal(t, 2, entry.RetryCount)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "dead-lettered jobs schedule nothing further")
}

// TestEngine_DeadLetterMarksStageFailedFirst verifies retry exhaustion walks
// the job through STAGE_FAILED before the dead letter entry is written, and
// only moves it to DEAD afterwards.
func TestEngine_DeadLetterMarksStageFailedFirst(t *testing.T) {
	res := &stubResearcher{err: errors.New("index offline")}
	h := newHarness(t, Config{MaxStageRetries: 1, RetryBaseDelay: time.Millisecond}, happyPathGenerator(), res)
	hub := events.NewHub()
	h.engine.deps.Events = hub
	ch, cancel := hub.Subscribe("")
	defer cancel()
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	job.Status = datatypes.JobStatusRunning
	job.RetryCount = 1
	require.NoError(t, h.jobs.Create(ctx, job))

	h.engine.process(ctx, store.WorkItem{JobID: job.ID, StageID: StageInternalResearch, Attempt: 1})

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusDead, got.Status)

	_, err = h.deadLetters.Get(ctx, job.ID)
	require.NoError(t, err, "a DEAD job must have a dead letter entry")

	var statuses []string
	for len(ch) > 0 {
		statuses = append(statuses, (<-ch).Status)
	}
	failedAt := slices.Index(statuses, "stage_failed")
	deadAt := slices.Index(statuses, "dead_lettered")
	require.GreaterOrEqual(t, failedAt, 0, "STAGE_FAILED must be announced")
	require.GreaterOrEqual(t, deadAt, 0, "dead-lettering must be announced")
	assert.Less(t, failedAt, deadAt, "STAGE_FAILED precedes DEAD")
}

// TestEngine_ValidationFailureDeadLetters runs an invalid topic end to end:
// deterministic stage failures burn the budget and dead-letter the job.
func TestEngine_ValidationFailureDeadLetters(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, MaxStageRetries: 1, RetryBaseDelay: time.Millisecond}, happyPathGenerator(), &stubResearcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	job, err := h.engine.Submit(ctx, "short", datatypes.JobOptions{})
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, datatypes.JobStatusDead)
	assert.Contains(t, done.ErrorMessage, "topic too short")

	entry, err := h.deadLetters.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "validate", entry.TaskType)
}

// TestEngine_CancelSkipsPendingStages verifies cancellation takes effect at
// the stage boundary: queued work for a cancelled job is dropped untouched.
func TestEngine_CancelSkipsPendingStages(t *testing.T) {
	gen := happyPathGenerator()
	h := newHarness(t, DefaultConfig(), gen, &stubResearcher{})
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "a perfectly reasonable topic", datatypes.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, job.ID))

	h.engine.process(ctx, store.WorkItem{JobID: job.ID, StageID: StageValidate})

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusCancelled, got.Status)
	assert.Equal(t, 0, gen.totalCalls())

	// Cancelling a terminal job is rejected.
	assert.Error(t, h.engine.Cancel(ctx, job.ID))
}

// TestEngine_RetryDeadLetter verifies the operator path: a DEAD job resumes
// from its checkpoint and its dead letter entry is consumed.
func TestEngine_RetryDeadLetter(t *testing.T) {
	h := newHarness(t, DefaultConfig(), happyPathGenerator(), &stubResearcher{})
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	job.Status = datatypes.JobStatusDead
	job.RetryCount = 3
	require.NoError(t, h.jobs.Create(ctx, job))

	out, err := datatypes.NewStageOutput(datatypes.StageOutputText, datatypes.TextPayload{Text: "a perfectly reasonable topic"})
	require.NoError(t, err)
	require.NoError(t, h.checkpoints.Save(ctx, job.ID, StageValidate, out, nil))
	require.NoError(t, h.deadLetters.Record(ctx, datatypes.DeadLetterEntry{
		JobID: job.ID, TaskType: "build-context", FailureReason: "providers down",
	}))

	require.NoError(t, h.engine.RetryDeadLetter(ctx, job.ID))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobStatusRunning, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "resumes at the stage after the checkpoint")

	_, err = h.deadLetters.Get(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrDeadLetterNotFound)
}

// TestEngine_RetryDeadLetterRequiresDeadStatus verifies the guard.
func TestEngine_RetryDeadLetterRequiresDeadStatus(t *testing.T) {
	h := newHarness(t, DefaultConfig(), happyPathGenerator(), &stubResearcher{})
	ctx := context.Background()

	job := datatypes.NewJob("a perfectly reasonable topic", datatypes.JobOptions{})
	require.NoError(t, h.jobs.Create(ctx, job))
	require.NoError(t, h.deadLetters.Record(ctx, datatypes.DeadLetterEntry{JobID: job.ID, TaskType: "plan"}))

	err := h.engine.RetryDeadLetter(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not DEAD")
}

// TestEngine_RecoverReenqueuesInterruptedJobs verifies startup recovery.
func TestEngine_RecoverReenqueuesInterruptedJobs(t *testing.T) {
	h := newHarness(t, DefaultConfig(), happyPathGenerator(), &stubResearcher{})
	ctx := context.Background()

	running := datatypes.NewJob("an interrupted running topic", datatypes.JobOptions{})
	running.Status = datatypes.JobStatusRunning
	require.NoError(t, h.jobs.Create(ctx, running))

	finished := datatypes.NewJob("a finished topic of some kind", datatypes.JobOptions{})
	finished.Status = datatypes.JobStatusCompleted
	require.NoError(t, h.jobs.Create(ctx, finished))

	require.NoError(t, h.engine.recover(ctx))

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the non-terminal job is re-enqueued")
}

// TestEngine_StartTwice verifies the double-start guard.
func TestEngine_StartTwice(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, happyPathGenerator(), &stubResearcher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.engine.Start(ctx))
	assert.Error(t, h.engine.Start(ctx))
	h.engine.Stop()
}

func TestBackoff(t *testing.T) {
	h := newHarness(t, Config{RetryBaseDelay: 2 * time.Second, RetryMaxDelay: 60 * time.Second}, happyPathGenerator(), &stubResearcher{})

	assert.Equal(t, 2*time.Second, h.engine.backoff(0))
	assert.Equal(t, 4*time.Second, h.engine.backoff(1))
	assert.Equal(t, 16*time.Second, h.engine.backoff(3))
	assert.Equal(t, 60*time.Second, h.engine.backoff(10), "backoff is capped")
}
