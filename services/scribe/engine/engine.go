// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs content-generation jobs through the staged workflow:
// durable scheduling, checkpointed resume, bounded retries with backoff,
// and dead-lettering when the budget runs out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
	"github.com/AleutianAI/AleutianScribe/services/scribe/observability"
	"github.com/AleutianAI/AleutianScribe/services/scribe/research"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

var engineTracer = otel.Tracer("aleutian.scribe.engine")

// TextGenerator is the slice of the provider gateway the engine needs.
type TextGenerator interface {
	Generate(ctx context.Context, task llm.TaskType, prompt string, params llm.GenerationParams) (llm.GenerationResult, error)
}

// Researcher is the slice of the research aggregator the engine needs.
type Researcher interface {
	Search(ctx context.Context, topic string, queries []string, scope research.Scope) ([]datatypes.Source, datatypes.DedupStats, error)
	Merge(ctx context.Context, topic string, batches ...[]datatypes.Source) ([]datatypes.Source, datatypes.DedupStats, error)
}

// Config tunes the workflow engine.
type Config struct {
	// Workers is the number of concurrent stage executors.
	Workers int

	// MaxStageRetries is the per-stage retry budget. The first run does not
	// count as a retry.
	MaxStageRetries int

	// RetryBaseDelay seeds the exponential backoff between stage retries.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// SoftStageTimeout logs a warning when a stage runs past it.
	SoftStageTimeout time.Duration

	// HardStageTimeout cancels the stage context.
	HardStageTimeout time.Duration

	// QualityThreshold is the minimum quality score for approval.
	QualityThreshold float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		MaxStageRetries:  3,
		RetryBaseDelay:   2 * time.Second,
		RetryMaxDelay:    60 * time.Second,
		SoftStageTimeout: time.Minute,
		HardStageTimeout: 5 * time.Minute,
		QualityThreshold: 0.7,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxStageRetries <= 0 {
		c.MaxStageRetries = def.MaxStageRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.SoftStageTimeout <= 0 {
		c.SoftStageTimeout = def.SoftStageTimeout
	}
	if c.HardStageTimeout <= 0 {
		c.HardStageTimeout = def.HardStageTimeout
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = def.QualityThreshold
	}
}

// Dependencies wires the engine's collaborators.
type Dependencies struct {
	Jobs        *store.JobStore
	Checkpoints *store.CheckpointStore
	DeadLetters *store.DeadLetterStore
	Queue       *store.Queue
	Generator   TextGenerator
	Researcher  Researcher
	Events      events.Broadcaster
	Logger      *slog.Logger
}

// Engine drives jobs through the stage sequence.
//
// # Description
//
// Submit persists a job and enqueues its first stage. Workers pull stage
// work items off the durable queue, execute them, and enqueue the next
// stage. Every completed stage is checkpointed; a redelivered or resumed
// stage whose checkpoint exists replays the stored output without touching
// any provider. Cancellation is honored at stage boundaries only: a stage
// that already started runs to completion, and its successor observes the
// CANCELLED status and stops.
//
// # Thread Safety
//
// Safe for concurrent use. Job state races are resolved by the job store's
// optimistic versioning: the losing writer re-enqueues and retries against
// fresh state.
type Engine struct {
	cfg  Config
	deps Dependencies

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// New validates dependencies and builds an engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Jobs == nil || deps.Checkpoints == nil || deps.DeadLetters == nil || deps.Queue == nil {
		return nil, fmt.Errorf("engine requires job, checkpoint, dead-letter, and queue stores")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("engine requires a text generator")
	}
	if deps.Researcher == nil {
		return nil, fmt.Errorf("engine requires a researcher")
	}
	if deps.Events == nil {
		deps.Events = events.NoopBroadcaster{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{cfg: cfg, deps: deps}, nil
}

// Submit persists a new job and schedules its first stage.
func (e *Engine) Submit(ctx context.Context, topic string, opts datatypes.JobOptions) (*datatypes.Job, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Submit")
	defer span.End()

	job := datatypes.NewJob(topic, opts)
	if err := e.deps.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := e.deps.Queue.Enqueue(ctx, job.ID, StageValidate, 0, 0); err != nil {
		return nil, fmt.Errorf("enqueue first stage: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	e.deps.Logger.Info("job submitted", "job_id", job.ID, "topic", topic)
	return job, nil
}

// Start launches the worker pool and re-enqueues interrupted jobs. Returns
// an error if already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		e.deps.Logger.Warn("job recovery incomplete", "error", err)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.deps.Logger.Info("workflow engine started", "workers", e.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight stages to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.started = false
	e.mu.Unlock()
	e.wg.Wait()
	e.deps.Logger.Info("workflow engine stopped")
}

// Cancel marks a job CANCELLED. Takes effect at the next stage boundary.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	for {
		job, err := e.deps.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s is already %s", jobID, job.Status)
		}
		job.Status = datatypes.JobStatusCancelled
		job.UpdatedAt = time.Now().UTC()
		err = e.deps.Jobs.Update(ctx, job)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		e.emit(job, job.CurrentStage, "cancelled", "")
		e.deps.Logger.Info("job cancelled", "job_id", jobID)
		return nil
	}
}

// RetryDeadLetter re-activates a dead-lettered job from its last checkpoint
// and removes the dead letter entry.
func (e *Engine) RetryDeadLetter(ctx context.Context, jobID string) error {
	entry, err := e.deps.DeadLetters.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job, err := e.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != datatypes.JobStatusDead {
		return fmt.Errorf("job %s is %s, not DEAD", jobID, job.Status)
	}

	cp, err := e.deps.Checkpoints.Load(ctx, jobID)
	if err != nil {
		return err
	}
	next := cp.NextStage(LastStage)

	job.Status = datatypes.JobStatusRunning
	job.ErrorMessage = ""
	job.RetryCount = 0
	job.UpdatedAt = time.Now().UTC()
	if err := e.deps.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("reactivate job: %w", err)
	}
	if err := e.deps.Queue.Enqueue(ctx, jobID, next, 0, 0); err != nil {
		return fmt.Errorf("re-enqueue stage: %w", err)
	}
	if err := e.deps.DeadLetters.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	e.deps.Logger.Info("dead-lettered job retried",
		"job_id", jobID, "stage_id", next, "previous_failure", entry.FailureReason)
	return nil
}

// recover re-enqueues the next stage of every non-terminal job. Runs once
// at startup; duplicated enqueues are harmless because completed stages
// replay from their checkpoint.
func (e *Engine) recover(ctx context.Context) error {
	jobs, err := e.deps.Jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		cp, err := e.deps.Checkpoints.Load(ctx, job.ID)
		if err != nil {
			e.deps.Logger.Warn("skipping recovery, checkpoint unreadable", "job_id", job.ID, "error", err)
			continue
		}
		next := cp.NextStage(LastStage)
		if err := e.deps.Queue.Enqueue(ctx, job.ID, next, 0, 0); err != nil {
			return fmt.Errorf("re-enqueue job %s: %w", job.ID, err)
		}
		e.deps.Logger.Info("recovered interrupted job", "job_id", job.ID, "stage_id", next)
	}
	return nil
}

// =============================================================================
// Worker Loop
// =============================================================================

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		item, err := e.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.deps.Logger.Error("dequeue failed", "worker", id, "error", err)
			continue
		}
		e.process(ctx, item)
		if err := e.deps.Queue.Ack(ctx, item); err != nil && ctx.Err() == nil {
			e.deps.Logger.Warn("ack failed, item may redeliver", "worker", id, "error", err)
		}
		if depth, err := e.deps.Queue.Len(ctx); err == nil {
			observability.SetQueueDepth(depth)
		}
	}
}

// process executes one work item end to end. Errors are handled internally
// (retry, dead-letter); the item is always acked by the caller.
func (e *Engine) process(ctx context.Context, item store.WorkItem) {
	ctx, span := engineTracer.Start(ctx, "Engine.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", item.JobID),
		attribute.Int("stage.id", item.StageID),
		attribute.Int("stage.attempt", item.Attempt),
	)

	job, err := e.deps.Jobs.Get(ctx, item.JobID)
	if err != nil {
		e.deps.Logger.Error("work item references unknown job", "job_id", item.JobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		e.deps.Logger.Info("skipping stage for terminal job",
			"job_id", job.ID, "status", job.Status, "stage_id", item.StageID)
		return
	}

	def, ok := stageByID(item.StageID)
	if !ok {
		e.deps.Logger.Error("work item references unknown stage", "job_id", job.ID, "stage_id", item.StageID)
		return
	}

	if job.Status == datatypes.JobStatusPending {
		job.Status = datatypes.JobStatusRunning
		job.UpdatedAt = time.Now().UTC()
		if err := e.deps.Jobs.Update(ctx, job); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				e.requeue(ctx, item, 0)
				return
			}
			e.deps.Logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
			return
		}
	}

	// Replay path: a checkpointed stage is never re-executed.
	cp, err := e.deps.Checkpoints.Load(ctx, job.ID)
	if err != nil {
		e.deps.Logger.Error("checkpoint load failed", "job_id", job.ID, "error", err)
		e.requeue(ctx, item, e.backoff(item.Attempt))
		return
	}
	if rec, done := cp.Stage(item.StageID); done {
		e.deps.Logger.Info("stage replayed from checkpoint", "job_id", job.ID, "stage", def.Name)
		e.completeStage(ctx, job, def, rec.Output, true)
		return
	}

	output, err := e.runStage(ctx, job, def)
	if err != nil {
		e.handleStageFailure(ctx, job, def, item, err)
		return
	}
	e.completeStage(ctx, job, def, output, false)
}

// runStage executes a stage under the hard timeout, logging when the soft
// timeout passes.
func (e *Engine) runStage(ctx context.Context, job *datatypes.Job, def stageDef) (datatypes.StageOutput, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.runStage")
	defer span.End()
	span.SetAttributes(attribute.String("stage.name", def.Name))

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.HardStageTimeout)
	defer cancel()

	soft := time.AfterFunc(e.cfg.SoftStageTimeout, func() {
		e.deps.Logger.Warn("stage running past soft timeout",
			"job_id", job.ID, "stage", def.Name, "soft_timeout", e.cfg.SoftStageTimeout.String())
	})
	defer soft.Stop()

	e.emit(job, def.ID, "started", "")
	start := time.Now()
	output, err := def.Run(e, stageCtx, job)
	elapsed := time.Since(start)

	if err != nil {
		observability.ObserveStage(def.Name, "error", elapsed)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.StageOutput{}, err
	}
	observability.ObserveStage(def.Name, "success", elapsed)
	e.deps.Logger.Info("stage completed",
		"job_id", job.ID, "stage", def.Name, "elapsed_ms", elapsed.Milliseconds())
	return output, nil
}

// completeStage persists the output, checkpoints, and schedules what comes
// next. replayed outputs skip the duplicate checkpoint write.
func (e *Engine) completeStage(ctx context.Context, job *datatypes.Job, def stageDef, output datatypes.StageOutput, replayed bool) {
	for {
		if job.StageOutputs == nil {
			job.StageOutputs = make(map[int]datatypes.StageOutput)
		}
		job.StageOutputs[def.ID] = output
		job.CurrentStage = def.ID
		job.UpdatedAt = time.Now().UTC()
		if def.ID == LastStage {
			job.Status = datatypes.JobStatusCompleted
		}

		err := e.deps.Jobs.Update(ctx, job)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			e.deps.Logger.Error("stage result not persisted", "job_id", job.ID, "stage", def.Name, "error", err)
			return
		}
		// Lost a race; reload and retry against fresh state.
		fresh, gerr := e.deps.Jobs.Get(ctx, job.ID)
		if gerr != nil {
			e.deps.Logger.Error("reload after version conflict failed", "job_id", job.ID, "error", gerr)
			return
		}
		if fresh.Status.Terminal() && fresh.Status != datatypes.JobStatusCompleted {
			e.deps.Logger.Info("job reached terminal state mid-stage, result discarded",
				"job_id", job.ID, "status", fresh.Status)
			return
		}
		job = fresh
	}

	if !replayed {
		if err := e.deps.Checkpoints.Save(ctx, job.ID, def.ID, output, map[string]string{"stage": def.Name}); err != nil {
			// The job record already carries the output; the checkpoint will
			// be rewritten on the next stage completion.
			e.deps.Logger.Warn("checkpoint save failed", "job_id", job.ID, "stage", def.Name, "error", err)
		}
	}

	if def.ID == LastStage {
		e.emit(job, def.ID, "completed", "")
		e.deps.Logger.Info("job completed", "job_id", job.ID)
		return
	}

	e.emit(job, def.ID, "stage_completed", "")
	if err := e.deps.Queue.Enqueue(ctx, job.ID, def.ID+1, 0, 0); err != nil {
		// Recovery re-enqueues from the checkpoint on next startup.
		e.deps.Logger.Error("next stage not enqueued", "job_id", job.ID, "stage_id", def.ID+1, "error", err)
	}
}

// handleStageFailure applies the retry budget: backoff and re-enqueue while
// budget remains, otherwise dead-letter the job.
func (e *Engine) handleStageFailure(ctx context.Context, job *datatypes.Job, def stageDef, item store.WorkItem, stageErr error) {
	if ctx.Err() != nil {
		// Shutdown, not a stage fault. The unacked lease redelivers it.
		return
	}

	attempt := item.Attempt + 1
	if attempt <= e.cfg.MaxStageRetries {
		delay := e.backoff(item.Attempt)
		e.deps.Logger.Warn("stage failed, retrying",
			"job_id", job.ID, "stage", def.Name, "attempt", attempt,
			"max_retries", e.cfg.MaxStageRetries, "delay", delay.String(), "error", stageErr)

		job.RetryCount++
		job.ErrorMessage = stageErr.Error()
		job.UpdatedAt = time.Now().UTC()
		if err := e.deps.Jobs.Update(ctx, job); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			e.deps.Logger.Error("retry bookkeeping not persisted", "job_id", job.ID, "error", err)
		}
		e.emit(job, def.ID, "retrying", stageErr.Error())
		if err := e.deps.Queue.Enqueue(ctx, job.ID, def.ID, attempt, delay); err != nil {
			e.deps.Logger.Error("retry not enqueued", "job_id", job.ID, "stage", def.Name, "error", err)
		}
		return
	}

	e.deadLetter(ctx, job, def, stageErr)
}

// deadLetter parks a job whose stage exhausted its retry budget. The job is
// marked STAGE_FAILED first, then handed to the dead letter store, and only
// moves to DEAD once the entry is durable, so a DEAD job always has a
// matching dead letter entry.
func (e *Engine) deadLetter(ctx context.Context, job *datatypes.Job, def stageDef, stageErr error) {
	e.deps.Logger.Error("stage retry budget exhausted, dead-lettering",
		"job_id", job.ID, "stage", def.Name, "error", stageErr)

	job, ok := e.transition(ctx, job, datatypes.JobStatusStageFailed, stageErr.Error())
	if !ok {
		return
	}
	e.emit(job, def.ID, "stage_failed", stageErr.Error())

	payload, _ := json.Marshal(map[string]any{
		"topic":    job.Topic,
		"stage_id": def.ID,
		"stage":    def.Name,
		"options":  job.Options,
	})
	entry := datatypes.DeadLetterEntry{
		JobID:         job.ID,
		TaskType:      def.Name,
		Payload:       payload,
		FailureReason: stageErr.Error(),
		RetryCount:    job.RetryCount,
	}
	if err := e.deps.DeadLetters.Record(ctx, entry); err != nil {
		// Leave the job STAGE_FAILED; recovery retries the hand-off.
		e.deps.Logger.Error("dead letter not recorded", "job_id", job.ID, "error", err)
		return
	}

	if job, ok = e.transition(ctx, job, datatypes.JobStatusDead, stageErr.Error()); !ok {
		return
	}
	observability.ObserveDeadLetter(def.Name)
	e.emit(job, def.ID, "dead_lettered", stageErr.Error())
}

// transition moves a job to the given status under optimistic versioning,
// reloading on conflicts. Returns false when the job went terminal under a
// concurrent writer or the update could not be persisted.
func (e *Engine) transition(ctx context.Context, job *datatypes.Job, status datatypes.JobStatus, errMsg string) (*datatypes.Job, bool) {
	for {
		job.Status = status
		job.ErrorMessage = errMsg
		job.UpdatedAt = time.Now().UTC()
		err := e.deps.Jobs.Update(ctx, job)
		if err == nil {
			return job, true
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			e.deps.Logger.Error("status not persisted",
				"job_id", job.ID, "status", string(status), "error", err)
			return job, false
		}
		fresh, gerr := e.deps.Jobs.Get(ctx, job.ID)
		if gerr != nil {
			e.deps.Logger.Error("reload after version conflict failed", "job_id", job.ID, "error", gerr)
			return job, false
		}
		if fresh.Status.Terminal() {
			return fresh, false
		}
		job = fresh
	}
}

// requeue puts a work item back without consuming a retry.
func (e *Engine) requeue(ctx context.Context, item store.WorkItem, delay time.Duration) {
	if err := e.deps.Queue.Enqueue(ctx, item.JobID, item.StageID, item.Attempt, delay); err != nil {
		e.deps.Logger.Error("requeue failed", "job_id", item.JobID, "stage_id", item.StageID, "error", err)
	}
}

// backoff computes the delay before retry attempt+1: base doubled per
// attempt, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}
	return delay
}

func (e *Engine) emit(job *datatypes.Job, stageID int, status, message string) {
	e.deps.Events.Emit(events.ProgressEvent{
		JobID:     job.ID,
		StageID:   stageID,
		StageName: StageName(stageID),
		Status:    status,
		Percent:   float64(stageID) / float64(LastStage) * 100,
		Message:   message,
	})
}
