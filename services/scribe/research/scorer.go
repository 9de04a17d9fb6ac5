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
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// TaskGenerator is the provider-gateway slice the scorer needs.
type TaskGenerator interface {
	Generate(ctx context.Context, task llm.TaskType, prompt string, params llm.GenerationParams) (llm.GenerationResult, error)
}

// LLMScorer rates source relevance with an auxiliary provider call. A cheap
// local model is the intended route for this task.
type LLMScorer struct {
	gen TaskGenerator
}

// NewLLMScorer wraps a gateway.
func NewLLMScorer(gen TaskGenerator) *LLMScorer {
	return &LLMScorer{gen: gen}
}

// ScoreRelevance returns a [0,1] topical relevance score for a source.
func (s *LLMScorer) ScoreRelevance(ctx context.Context, topic string, source datatypes.Source) (float64, error) {
	abstract := source.Abstract
	if len(abstract) > 1000 {
		abstract = abstract[:1000]
	}
	prompt := fmt.Sprintf(`How relevant is this source to the topic %q?
Title: %s
Abstract: %s
Respond with a single number between 0.0 and 1.0, nothing else.`,
		topic, source.Title, abstract)

	result, err := s.gen.Generate(ctx, llm.TaskRelevance, prompt, llm.GenerationParams{})
	if err != nil {
		return 0, fmt.Errorf("relevance call: %w", err)
	}
	for _, field := range strings.Fields(result.Text) {
		field = strings.Trim(field, "`*\"',;:")
		score, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if score >= 0 && score <= 1 {
			return score, nil
		}
	}
	return 0, fmt.Errorf("no relevance score in response %q", result.Text)
}
