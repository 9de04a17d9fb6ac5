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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// TestDedup_NeverDropsItems verifies the core contract: the output always
// has exactly as many items as the input, duplicates included.
func TestDedup_NeverDropsItems(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	in := []datatypes.Source{
		{Title: "Attention Is All You Need", Year: 2017},
		{Title: "Attention is all you need", Year: 2017},
		{Title: "Attention Is All You Need", Year: 2017},
		{Title: "Deep Residual Learning for Image Recognition", Authors: []string{"He"}, Year: 2016},
	}

	out, stats, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	assert.Len(t, out, len(in))
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Unique)
	assert.Equal(t, 2, stats.Duplicates)
	assert.InDelta(t, 0.5, stats.RetentionRate, 1e-9)
}

// TestDedup_ExactStrategy verifies exact matching on normalized title plus
// external identifier.
func TestDedup_ExactStrategy(t *testing.T) {
	d := NewDeduplicator(DedupConfig{Strategy: DedupExact}, nil)
	in := []datatypes.Source{
		{Identifier: "10.1000/a", Title: "Consensus Protocols in Practice"},
		{Identifier: "10.1000/a", Title: "Consensus Protocols in Practice"},
		{Identifier: "10.1000/b", Title: "Consensus Protocols in Practice"},
	}

	out, stats, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, out[0].IsDuplicate)
	assert.True(t, out[1].IsDuplicate)
	assert.Equal(t, "10.1000/a", out[1].DuplicateOf)
	assert.False(t, out[2].IsDuplicate, "same title under a different identifier is a distinct record")
	assert.Equal(t, 2, stats.Unique)
}

// TestDedup_FuzzyMatchesAcrossOrigins verifies the common arXiv-vs-Crossref
// case: same paper, cosmetically different metadata.
func TestDedup_FuzzyMatchesAcrossOrigins(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	in := []datatypes.Source{
		{
			Identifier: "arXiv:1706.03762",
			Title:      "Attention Is All You Need",
			Authors:    []string{"Vaswani", "Shazeer"},
			Year:       2017,
			Origin:     "arxiv",
		},
		{
			Identifier: "10.5555/3295222",
			Title:      "Attention is all you need",
			Authors:    []string{"Vaswani", "Shazeer"},
			Year:       2017,
			Origin:     "crossref",
		},
	}

	out, _, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, out[0].IsDuplicate)
	require.True(t, out[1].IsDuplicate)
	assert.Equal(t, "arXiv:1706.03762", out[1].DuplicateOf)
}

// TestDedup_FuzzyKeepsDistinctPapers verifies unrelated papers are not
// collapsed.
func TestDedup_FuzzyKeepsDistinctPapers(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	in := []datatypes.Source{
		{Title: "Attention Is All You Need", Authors: []string{"Vaswani"}, Year: 2017},
		{Title: "Deep Residual Learning for Image Recognition", Authors: []string{"He"}, Year: 2016},
	}

	out, stats, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, out[0].IsDuplicate)
	assert.False(t, out[1].IsDuplicate)
	assert.Equal(t, 2, stats.Unique)
}

// TestDedup_CanonicalEnrichment verifies the canonical record absorbs the
// duplicate's better metadata: real identifier over the hash fallback, the
// longer abstract, the missing year, and the alternate title.
func TestDedup_CanonicalEnrichment(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	in := []datatypes.Source{
		{
			Title:    "Retrieval Augmented Generation for Knowledge Tasks",
			Abstract: "short",
			Authors:  []string{"Lewis"},
		},
		{
			Identifier: "10.1000/rag",
			Title:      "Retrieval-Augmented Generation for Knowledge Tasks",
			Abstract:   "A considerably longer abstract with actual detail about the method.",
			Authors:    []string{"Lewis"},
			Year:       2020,
		},
	}

	out, _, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	canon := out[0]
	require.True(t, out[1].IsDuplicate)
	assert.Equal(t, "10.1000/rag", canon.Identifier, "hash fallback replaced by the real external id")
	assert.Equal(t, "10.1000/rag", out[1].DuplicateOf)
	assert.Equal(t, in[1].Abstract, canon.Abstract)
	assert.Equal(t, 2020, canon.Year)
	assert.Contains(t, canon.AltTitles, "Retrieval-Augmented Generation for Knowledge Tasks")
}

type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

// TestDedup_SemanticStrategy verifies embedding-based matching.
func TestDedup_SemanticStrategy(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Paper A": {1, 0, 0},
		"Paper B": {0.99, 0.01, 0},
		"Paper C": {0, 1, 0},
	}}
	d := NewDeduplicator(DedupConfig{Strategy: DedupSemantic, SemanticThreshold: 0.9}, embedder)

	in := []datatypes.Source{
		{Title: "Paper A"},
		{Title: "Paper B"},
		{Title: "Paper C"},
	}
	out, stats, err := d.Process(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, out[0].IsDuplicate)
	assert.True(t, out[1].IsDuplicate, "near-identical embeddings must match")
	assert.False(t, out[2].IsDuplicate, "orthogonal embedding must not match")
	assert.Equal(t, 2, stats.Unique)
	assert.Equal(t, 3, embedder.calls)
}

// TestDedup_SemanticRequiresEmbedder verifies the configuration error.
func TestDedup_SemanticRequiresEmbedder(t *testing.T) {
	d := NewDeduplicator(DedupConfig{Strategy: DedupSemantic}, nil)
	_, _, err := d.Process(context.Background(), []datatypes.Source{{Title: "x"}})
	assert.Error(t, err)
}

// TestDedup_UnknownStrategy verifies bad configuration surfaces as an error.
func TestDedup_UnknownStrategy(t *testing.T) {
	d := &Deduplicator{cfg: DedupConfig{Strategy: "bogus"}}
	_, _, err := d.Process(context.Background(), []datatypes.Source{{Title: "x"}})
	assert.Error(t, err)
}

// TestDedup_IdAdoptionRepointsEarlierDuplicates verifies that when a later
// duplicate donates its external id to a hash-identified canonical, every
// duplicate flagged before the adoption is re-pointed at the new id.
func TestDedup_IdAdoptionRepointsEarlierDuplicates(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	sources := []datatypes.Source{
		{Title: "Paxos Made Simple", Authors: []string{"Lamport"}, Year: 2001},
		{Title: "Paxos Made Simple", Authors: []string{"Lamport"}, Year: 2001},
		{Identifier: "arXiv:2101.00001", Title: "Paxos Made Simple", Authors: []string{"Lamport"}, Year: 2001},
	}

	out, stats, err := d.Process(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Unique)

	canonical := make(map[string]bool)
	for _, s := range out {
		if !s.IsDuplicate {
			canonical[s.Identifier] = true
		}
	}
	assert.True(t, canonical["arXiv:2101.00001"], "canonical adopts the donated external id")
	for i, s := range out {
		if s.IsDuplicate {
			assert.Equal(t, "arXiv:2101.00001", s.DuplicateOf,
				"source %d must point at the canonical's current id", i)
		}
	}
}

// TestDedup_FuzzyThresholdBoundary verifies the at-threshold comparison: a
// pair scoring exactly the threshold is flagged, a pair a thousandth under
// it stays distinct.
func TestDedup_FuzzyThresholdBoundary(t *testing.T) {
	a := datatypes.Source{Title: "consensus aaaa", Authors: []string{"Lamport"}, Year: 2001}
	b := datatypes.Source{Title: "consensus aaab", Authors: []string{"Lamport"}, Year: 2001}
	score := (&Deduplicator{}).fuzzyScore(&a, &b)
	require.Greater(t, score, 0.0)
	require.Less(t, score, 1.0)

	atThreshold := NewDeduplicator(DedupConfig{Strategy: DedupFuzzy, FuzzyThreshold: score}, nil)
	out, stats, err := atThreshold.Process(context.Background(), []datatypes.Source{a, b})
	require.NoError(t, err)
	assert.True(t, out[1].IsDuplicate, "score equal to the threshold flags a duplicate")
	assert.Equal(t, 1, stats.Unique)

	justAbove := NewDeduplicator(DedupConfig{Strategy: DedupFuzzy, FuzzyThreshold: score + 0.001}, nil)
	out, stats, err = justAbove.Process(context.Background(), []datatypes.Source{a, b})
	require.NoError(t, err)
	assert.False(t, out[1].IsDuplicate, "score 0.001 under the threshold stays distinct")
	assert.Equal(t, 2, stats.Unique)
}

// TestDedup_EmptyBatch verifies the degenerate input.
func TestDedup_EmptyBatch(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig(), nil)
	out, stats, err := d.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, stats.Total)
	assert.InDelta(t, 1.0, stats.RetentionRate, 1e-9)
}

func TestTitleSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, titleSimilarity("Attention Is All You Need", "attention is all you need"), 1e-9)
	assert.InDelta(t, 0.0, titleSimilarity("", "anything"), 1e-9)
	assert.Less(t, titleSimilarity("Attention Is All You Need", "Deep Residual Learning"), 0.5)
}

func TestAuthorOverlap(t *testing.T) {
	assert.InDelta(t, 1.0, authorOverlap(nil, nil), 1e-9)
	assert.InDelta(t, 0.0, authorOverlap([]string{"Vaswani"}, nil), 1e-9)
	assert.InDelta(t, 1.0, authorOverlap([]string{"Vaswani"}, []string{"vaswani"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, authorOverlap([]string{"A", "B"}, []string{"B", "C"}), 1e-9)
}

func TestYearProximity(t *testing.T) {
	assert.InDelta(t, 1.0, yearProximity(2020, 2021), 1e-9)
	assert.InDelta(t, 0.5, yearProximity(2020, 2010), 1e-9)
	assert.InDelta(t, 0.5, yearProximity(0, 2020), 1e-9)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{1}), 1e-9, "mismatched dims score zero")
	assert.InDelta(t, 0.0, cosineSimilarity(nil, nil), 1e-9)
}
