// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics surface for the
// generation pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianScribe/services/llm"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// stageTotal counts stage executions by stage name and result.
	stageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_stage_total",
		Help: "Total stage executions by stage and result",
	}, []string{"stage", "result"})

	// stageDuration tracks stage execution latency.
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_stage_duration_seconds",
		Help:    "Stage execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
	}, []string{"stage"})

	// providerCallTotal counts gateway provider calls by provider, task, and
	// outcome.
	providerCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_provider_call_total",
		Help: "Total provider calls by provider, task, and outcome",
	}, []string{"provider", "task", "outcome"})

	// providerCallDuration tracks provider call latency.
	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_provider_call_duration_seconds",
		Help:    "Provider call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"provider", "task"})

	// providerTokens counts tokens consumed by provider and direction.
	providerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_provider_tokens_total",
		Help: "Total tokens consumed by provider and direction",
	}, []string{"provider", "direction"})

	// providerCostUSD accumulates estimated spend by provider.
	providerCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_provider_cost_usd_total",
		Help: "Estimated provider spend in USD",
	}, []string{"provider"})

	// breakerState exposes each circuit breaker state (0 closed, 1 open,
	// 2 half-open).
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scribe_breaker_state",
		Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
	}, []string{"provider"})

	// deadLetterTotal counts jobs parked in the dead letter store.
	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_dead_letter_total",
		Help: "Total jobs moved to the dead letter store by task type",
	}, []string{"task_type"})

	// researchSources tracks how many sources a research pass returned.
	researchSources = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_research_sources",
		Help:    "Sources returned per research pass",
		Buckets: []float64{0, 5, 10, 25, 50, 100, 200},
	}, []string{"kind"})

	// queueDepth exposes the number of pending work items.
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_queue_depth",
		Help: "Pending work items in the durable queue",
	})
)

// ==============================================================================
// Recording Helpers
// ==============================================================================

// ObserveStage records one stage execution.
func ObserveStage(stage, result string, elapsed time.Duration) {
	stageTotal.WithLabelValues(stage, result).Inc()
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveProviderCall records one gateway call. Wire it to the gateway as
// its CallObserver.
func ObserveProviderCall(rec llm.CallRecord) {
	outcome := "ok"
	if rec.Err != nil {
		outcome = "error"
	}
	providerCallTotal.WithLabelValues(rec.Provider, string(rec.Task), outcome).Inc()
	providerCallDuration.WithLabelValues(rec.Provider, string(rec.Task)).Observe(rec.Latency.Seconds())
	if rec.Usage.PromptTokens > 0 {
		providerTokens.WithLabelValues(rec.Provider, "prompt").Add(float64(rec.Usage.PromptTokens))
	}
	if rec.Usage.CompletionTokens > 0 {
		providerTokens.WithLabelValues(rec.Provider, "completion").Add(float64(rec.Usage.CompletionTokens))
	}
	if rec.CostUSD > 0 {
		providerCostUSD.WithLabelValues(rec.Provider).Add(rec.CostUSD)
	}
}

// ObserveBreakerState mirrors a breaker transition. Wire it to the breaker
// config's OnStateChange.
func ObserveBreakerState(provider string, state llm.CircuitState) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// ObserveDeadLetter records a job parked in the dead letter store.
func ObserveDeadLetter(taskType string) {
	deadLetterTotal.WithLabelValues(taskType).Inc()
}

// ObserveResearch records the size of a research pass by kind (total,
// unique, duplicates).
func ObserveResearch(kind string, count int) {
	researchSources.WithLabelValues(kind).Observe(float64(count))
}

// SetQueueDepth mirrors the durable queue length.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}
