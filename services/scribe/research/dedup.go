// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package research

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// DedupStrategy selects how near-identical sources are matched.
type DedupStrategy string

const (
	// DedupExact matches on a hash of normalized(title) + identifier. O(n).
	DedupExact DedupStrategy = "exact"

	// DedupFuzzy matches on a weighted title/author/year score against the
	// accumulated unique set. O(n²) worst case.
	DedupFuzzy DedupStrategy = "fuzzy"

	// DedupSemantic matches on cosine similarity between embeddings.
	// Requires an embedding call per source.
	DedupSemantic DedupStrategy = "semantic"
)

// Fuzzy score weights and the year-proximity step per the matching rules:
// titles dominate, authors refine, years only break near-ties.
const (
	fuzzyTitleWeight  = 0.6
	fuzzyAuthorWeight = 0.3
	fuzzyYearWeight   = 0.1
)

// DedupConfig selects and tunes the active strategy.
type DedupConfig struct {
	Strategy          DedupStrategy `yaml:"strategy"`
	FuzzyThreshold    float64       `yaml:"fuzzy_threshold"`
	SemanticThreshold float64       `yaml:"semantic_threshold"`
}

// DefaultDedupConfig returns fuzzy matching at the 0.85 threshold.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Strategy:          DedupFuzzy,
		FuzzyThreshold:    0.85,
		SemanticThreshold: 0.85,
	}
}

// TextEmbedder is the embedding collaborator the semantic strategy needs.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deduplicator collapses near-identical sources onto a canonical
// representative while preserving every input item.
//
// The first-seen item becomes canonical; its metadata is enriched from the
// duplicate (missing identifier filled, longer abstract kept, alternate
// titles accumulated). The duplicate is flagged, never dropped: the output
// always has exactly as many items as the input.
type Deduplicator struct {
	cfg      DedupConfig
	embedder TextEmbedder
}

// NewDeduplicator creates a deduplicator. The embedder may be nil unless
// the semantic strategy is configured.
func NewDeduplicator(cfg DedupConfig, embedder TextEmbedder) *Deduplicator {
	if cfg.Strategy == "" {
		cfg.Strategy = DedupFuzzy
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.85
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = 0.85
	}
	return &Deduplicator{cfg: cfg, embedder: embedder}
}

// Process flags duplicates in a batch and returns the full batch plus
// statistics. Canonical items appear in first-seen order followed by their
// flagged duplicates' original positions.
func (d *Deduplicator) Process(ctx context.Context, sources []datatypes.Source) ([]datatypes.Source, datatypes.DedupStats, error) {
	out := make([]datatypes.Source, len(sources))
	copy(out, sources)
	for i := range out {
		out[i].EnsureIdentifier()
		out[i].IsDuplicate = false
		out[i].DuplicateOf = ""
	}

	switch d.cfg.Strategy {
	case DedupExact:
		d.processExact(out)
	case DedupFuzzy:
		d.processFuzzy(out)
	case DedupSemantic:
		if err := d.processSemantic(ctx, out); err != nil {
			return nil, datatypes.DedupStats{}, err
		}
	default:
		return nil, datatypes.DedupStats{}, fmt.Errorf("unknown dedup strategy %q", d.cfg.Strategy)
	}

	return out, computeStats(out), nil
}

// Stats recomputes batch statistics for any processed slice.
func (d *Deduplicator) Stats(sources []datatypes.Source) datatypes.DedupStats {
	return computeStats(sources)
}

func computeStats(sources []datatypes.Source) datatypes.DedupStats {
	stats := datatypes.DedupStats{Total: len(sources), RetentionRate: 1.0}
	for _, s := range sources {
		if s.IsDuplicate {
			stats.Duplicates++
		} else {
			stats.Unique++
		}
	}
	if stats.Total > 0 {
		stats.RetentionRate = float64(stats.Unique) / float64(stats.Total)
	}
	return stats
}

func (d *Deduplicator) processExact(sources []datatypes.Source) {
	seen := make(map[string]int, len(sources))
	for i := range sources {
		externalID := sources[i].Identifier
		if externalID == datatypes.ContentHash(sources[i].Title) {
			// Hash-derived id; match on title alone.
			externalID = ""
		}
		key := datatypes.ContentHash(sources[i].Title) + "|" + externalID
		if canon, ok := seen[key]; ok {
			markDuplicate(sources, i, canon)
			continue
		}
		seen[key] = i
	}
}

func (d *Deduplicator) processFuzzy(sources []datatypes.Source) {
	var uniques []int
	for i := range sources {
		matched := -1
		for _, u := range uniques {
			if d.fuzzyScore(&sources[i], &sources[u]) >= d.cfg.FuzzyThreshold {
				matched = u
				break
			}
		}
		if matched >= 0 {
			markDuplicate(sources, i, matched)
			continue
		}
		uniques = append(uniques, i)
	}
}

func (d *Deduplicator) processSemantic(ctx context.Context, sources []datatypes.Source) error {
	if d.embedder == nil {
		return fmt.Errorf("semantic dedup requires an embedder")
	}
	for i := range sources {
		if len(sources[i].Embedding) > 0 {
			continue
		}
		text := sources[i].Title
		if sources[i].Abstract != "" {
			text += "\n" + sources[i].Abstract
		}
		vec, err := d.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed source %s: %w", sources[i].Identifier, err)
		}
		sources[i].Embedding = vec
	}

	var uniques []int
	for i := range sources {
		matched := -1
		for _, u := range uniques {
			sim := cosineSimilarity(sources[i].Embedding, sources[u].Embedding)
			if sim >= d.cfg.SemanticThreshold {
				matched = u
				break
			}
		}
		if matched >= 0 {
			markDuplicate(sources, i, matched)
			continue
		}
		uniques = append(uniques, i)
	}
	return nil
}

// markDuplicate flags sources[dup] against the canonical sources[canon] and
// enriches the canonical with the duplicate's non-conflicting metadata.
func markDuplicate(sources []datatypes.Source, dup, canon int) {
	d := &sources[dup]
	c := &sources[canon]

	d.IsDuplicate = true
	d.DuplicateOf = c.Identifier

	if c.Identifier == datatypes.ContentHash(c.Title) && d.Identifier != datatypes.ContentHash(d.Title) {
		// Canonical only had a hash fallback; adopt the real external id and
		// re-point duplicates already flagged against the hash id so every
		// duplicate_of keeps referencing a live canonical.
		oldID := c.Identifier
		c.Identifier = d.Identifier
		d.DuplicateOf = c.Identifier
		for i := range sources {
			if sources[i].IsDuplicate && sources[i].DuplicateOf == oldID {
				sources[i].DuplicateOf = c.Identifier
			}
		}
	}
	if len(d.Abstract) > len(c.Abstract) {
		c.Abstract = d.Abstract
	}
	if len(c.Authors) == 0 {
		c.Authors = d.Authors
	}
	if c.Year == 0 {
		c.Year = d.Year
	}
	if !strings.EqualFold(d.Title, c.Title) {
		c.AltTitles = append(c.AltTitles, d.Title)
	}

	slog.Debug("duplicate source flagged",
		"duplicate", d.Identifier, "canonical", c.Identifier, "origin", d.Origin)
}

// fuzzyScore combines title similarity, author overlap, and year proximity.
func (d *Deduplicator) fuzzyScore(a, b *datatypes.Source) float64 {
	title := titleSimilarity(a.Title, b.Title)
	authors := authorOverlap(a.Authors, b.Authors)
	year := yearProximity(a.Year, b.Year)
	return fuzzyTitleWeight*title + fuzzyAuthorWeight*authors + fuzzyYearWeight*year
}

// titleSimilarity is a normalized Levenshtein ratio over normalized titles.
func titleSimilarity(a, b string) float64 {
	na, nb := datatypes.NormalizeTitle(a), datatypes.NormalizeTitle(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	dist := levenshtein(na, nb)
	maxLen := max(len(na), len(nb))
	return 1.0 - float64(dist)/float64(maxLen)
}

// authorOverlap is the Jaccard index over normalized author names.
func authorOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	setA := make(map[string]struct{}, len(a))
	for _, name := range a {
		setA[datatypes.NormalizeTitle(name)] = struct{}{}
	}
	inter := 0
	setB := make(map[string]struct{}, len(b))
	for _, name := range b {
		key := datatypes.NormalizeTitle(name)
		if _, dup := setB[key]; dup {
			continue
		}
		setB[key] = struct{}{}
		if _, ok := setA[key]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// yearProximity is 1.0 within one year, 0.5 otherwise (unknown years count
// as distant).
func yearProximity(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0.5
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if diff <= 1 {
		return 1.0
	}
	return 0.5
}

// levenshtein computes edit distance with a two-row DP table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// cosineSimilarity over float32 vectors; mismatched or empty vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
