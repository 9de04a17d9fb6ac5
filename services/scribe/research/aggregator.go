// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package research aggregates sources from the internal similarity index
// and external literature providers, deduplicates them, and ranks them for
// the workflow engine.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// InternalIndex is the internal similarity-search collaborator.
type InternalIndex interface {
	Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error)
}

// ExternalSource is one external literature collaborator.
type ExternalSource interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error)
}

// RelevanceScorer rates a source's topical relevance in [0,1]. Backed by an
// auxiliary provider call; treated as best-effort by the aggregator.
type RelevanceScorer interface {
	ScoreRelevance(ctx context.Context, topic string, source datatypes.Source) (float64, error)
}

// Scope selects which collaborators a search touches.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeInternal
	ScopeExternal
)

// RankingWeights is the hybrid ranking scheme. The weighting is a
// configuration input, not a constant: 0.5/0.3/0.2 suits mixed internal
// search, 0.7/0.2/0.1 suits a pure vector index.
type RankingWeights struct {
	Vector  float64 `yaml:"vector"`
	Text    float64 `yaml:"text"`
	Recency float64 `yaml:"recency"`
}

// DefaultRankingWeights returns the mixed-search preset.
func DefaultRankingWeights() RankingWeights {
	return RankingWeights{Vector: 0.5, Text: 0.3, Recency: 0.2}
}

// Config tunes one aggregator instance.
type Config struct {
	// MaxPerQuery caps results per query per collaborator.
	MaxPerQuery int

	// MinRelevance drops filtered sources scoring below it. Default 0.75.
	MinRelevance float64

	// EnableRelevanceFilter turns on the auxiliary-provider relevance pass.
	EnableRelevanceFilter bool

	// QueryTimeout bounds each fan-out sub-task.
	QueryTimeout time.Duration

	// MaxConcurrency bounds in-flight sub-tasks. Default 8.
	MaxConcurrency int

	Weights RankingWeights
	Dedup   DedupConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerQuery:    10,
		MinRelevance:   0.75,
		QueryTimeout:   30 * time.Second,
		MaxConcurrency: 8,
		Weights:        DefaultRankingWeights(),
		Dedup:          DefaultDedupConfig(),
	}
}

// Aggregator fans a query set out across the internal index and all
// configured external sources, then merges, deduplicates, ranks, and
// optionally relevance-filters the combined result.
//
// # Failure Isolation
//
// A failing sub-task logs a warning and contributes nothing; the search
// only fails when every sub-task fails. The relevance filter is likewise
// best-effort: a broken scorer returns the unfiltered set.
type Aggregator struct {
	internal  InternalIndex
	externals []ExternalSource
	dedup     *Deduplicator
	scorer    RelevanceScorer
	cfg       Config
}

// New creates an aggregator. internal and scorer may be nil (internal-only
// deployments pass externals only, and vice versa).
func New(internal InternalIndex, externals []ExternalSource, dedup *Deduplicator, scorer RelevanceScorer, cfg Config) *Aggregator {
	if cfg.MaxPerQuery <= 0 {
		cfg.MaxPerQuery = 10
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.75
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.Weights == (RankingWeights{}) {
		cfg.Weights = DefaultRankingWeights()
	}
	return &Aggregator{
		internal:  internal,
		externals: externals,
		dedup:     dedup,
		scorer:    scorer,
		cfg:       cfg,
	}
}

// Search runs the full pipeline for a topic and its expanded queries.
func (a *Aggregator) Search(ctx context.Context, topic string, queries []string, scope Scope) ([]datatypes.Source, datatypes.DedupStats, error) {
	if len(queries) == 0 {
		queries = []string{topic}
	}

	merged, failures, total := a.fanOut(ctx, queries, scope)
	if total > 0 && failures == total {
		return nil, datatypes.DedupStats{}, fmt.Errorf("all %d research sub-tasks failed", total)
	}

	deduped, stats, err := a.dedup.Process(ctx, merged)
	if err != nil {
		return nil, datatypes.DedupStats{}, fmt.Errorf("deduplicate sources: %w", err)
	}

	a.rank(topic, deduped)

	if a.cfg.EnableRelevanceFilter && a.scorer != nil {
		deduped = a.filterByRelevance(ctx, topic, deduped)
		stats = a.dedup.Stats(deduped)
	}

	sortSources(deduped)
	return deduped, stats, nil
}

// Merge combines already-fetched batches, deduplicates across them, and
// re-ranks against the topic. Used when internal and external passes ran as
// separate stages and their results meet later.
func (a *Aggregator) Merge(ctx context.Context, topic string, batches ...[]datatypes.Source) ([]datatypes.Source, datatypes.DedupStats, error) {
	var combined []datatypes.Source
	for _, batch := range batches {
		combined = append(combined, batch...)
	}
	deduped, stats, err := a.dedup.Process(ctx, combined)
	if err != nil {
		return nil, datatypes.DedupStats{}, fmt.Errorf("deduplicate merged sources: %w", err)
	}
	a.rank(topic, deduped)
	sortSources(deduped)
	return deduped, stats, nil
}

// fanOut issues every (query, collaborator) pair concurrently and merges
// whatever succeeds. Returns the merged set plus failed/total sub-task
// counts.
func (a *Aggregator) fanOut(ctx context.Context, queries []string, scope Scope) ([]datatypes.Source, int, int) {
	type subTask struct {
		query string
		run   func(context.Context) ([]datatypes.Source, error)
		label string
	}

	var tasks []subTask
	for _, q := range queries {
		query := q
		if scope != ScopeExternal && a.internal != nil {
			tasks = append(tasks, subTask{
				query: query,
				label: datatypes.OriginInternal,
				run: func(ctx context.Context) ([]datatypes.Source, error) {
					return a.internal.Search(ctx, query, a.cfg.MaxPerQuery)
				},
			})
		}
		if scope != ScopeInternal {
			for _, ext := range a.externals {
				ext := ext
				tasks = append(tasks, subTask{
					query: query,
					label: ext.Name(),
					run: func(ctx context.Context) ([]datatypes.Source, error) {
						return ext.Search(ctx, query, a.cfg.MaxPerQuery)
					},
				})
			}
		}
	}

	var (
		mu       sync.Mutex
		merged   []datatypes.Source
		failures int
	)

	// Sub-tasks never fail the group; partial results are the contract.
	g := new(errgroup.Group)
	g.SetLimit(a.cfg.MaxConcurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
			defer cancel()

			sources, err := task.run(subCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				slog.Warn("research sub-task failed",
					"collaborator", task.label, "query", task.query, "error", err)
				return nil
			}
			for i := range sources {
				if sources[i].Origin == "" {
					sources[i].Origin = task.label
				}
				sources[i].EnsureIdentifier()
			}
			merged = append(merged, sources...)
			return nil
		})
	}
	_ = g.Wait()

	return merged, failures, len(tasks)
}

// rank assigns the combined score to every source.
func (a *Aggregator) rank(topic string, sources []datatypes.Source) {
	w := a.cfg.Weights
	currentYear := time.Now().Year()
	topicTokens := tokenize(topic)
	for i := range sources {
		s := &sources[i]
		text := lexicalMatch(topicTokens, s.Title+" "+s.Abstract)
		recency := recencyScore(s.Year, currentYear)
		s.RelevanceScore = clamp01(w.Vector*s.VectorScore + w.Text*text + w.Recency*recency)
	}
}

// filterByRelevance drops canonical sources below the relevance floor,
// scoring each with the auxiliary provider. A dropped canonical takes its
// flagged duplicates with it, so every surviving duplicate_of still points
// at a source in the result. Best-effort: a scorer failure returns the set
// unfiltered.
func (a *Aggregator) filterByRelevance(ctx context.Context, topic string, sources []datatypes.Source) []datatypes.Source {
	keep := make([]bool, len(sources))
	dropped := make(map[string]bool)
	for i, s := range sources {
		if s.IsDuplicate {
			continue
		}
		score, err := a.scorer.ScoreRelevance(ctx, topic, s)
		if err != nil {
			slog.Warn("relevance filter unavailable, returning unfiltered set", "error", err)
			return sources
		}
		if score < a.cfg.MinRelevance {
			slog.Debug("source dropped by relevance filter",
				"identifier", s.Identifier, "score", score)
			dropped[s.Identifier] = true
			continue
		}
		keep[i] = true
	}

	out := make([]datatypes.Source, 0, len(sources))
	for i, s := range sources {
		if s.IsDuplicate {
			if !dropped[s.DuplicateOf] {
				out = append(out, s)
			}
			continue
		}
		if keep[i] {
			out = append(out, s)
		}
	}
	return out
}

// sortSources orders by descending combined score; ties break internal
// before external, then by identifier, for deterministic output.
func sortSources(sources []datatypes.Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		aInt := a.Origin == datatypes.OriginInternal
		bInt := b.Origin == datatypes.OriginInternal
		if aInt != bInt {
			return aInt
		}
		return a.Identifier < b.Identifier
	})
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(datatypes.NormalizeTitle(text)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// lexicalMatch is the fraction of topic tokens present in the candidate
// text.
func lexicalMatch(topicTokens map[string]struct{}, text string) float64 {
	if len(topicTokens) == 0 {
		return 0.0
	}
	candidate := tokenize(text)
	hits := 0
	for tok := range topicTokens {
		if _, ok := candidate[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(topicTokens))
}

// recencyScore decays linearly over ten years; unknown years score 0.5.
func recencyScore(year, currentYear int) float64 {
	if year == 0 {
		return 0.5
	}
	age := currentYear - year
	if age <= 0 {
		return 1.0
	}
	if age >= 10 {
		return 0.0
	}
	return 1.0 - float64(age)/10.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
