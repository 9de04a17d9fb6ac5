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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/research"
)

// =============================================================================
// Stage Table
// =============================================================================

// Stage ids. Ids are persisted in checkpoints and work items, so the
// sequence is append-only: never renumber an existing stage.
const (
	StageValidate = iota + 1
	StageBuildContext
	StageInternalResearch
	StageExternalResearch
	StagePlan
	StageGenerateSections
	StageBuildCitations
	StageScoreQuality
	StageFactCheck
	StageFormat
	StageFinalize

	LastStage = StageFinalize
)

type stageFunc func(*Engine, context.Context, *datatypes.Job) (datatypes.StageOutput, error)

type stageDef struct {
	ID   int
	Name string
	Run  stageFunc
}

var stageTable = []stageDef{
	{StageValidate, "validate", (*Engine).stageValidate},
	{StageBuildContext, "build-context", (*Engine).stageBuildContext},
	{StageInternalResearch, "internal-research", (*Engine).stageInternalResearch},
	{StageExternalResearch, "external-research", (*Engine).stageExternalResearch},
	{StagePlan, "plan", (*Engine).stagePlan},
	{StageGenerateSections, "generate-sections", (*Engine).stageGenerateSections},
	{StageBuildCitations, "build-citations", (*Engine).stageBuildCitations},
	{StageScoreQuality, "score-quality", (*Engine).stageScoreQuality},
	{StageFactCheck, "fact-check", (*Engine).stageFactCheck},
	{StageFormat, "format", (*Engine).stageFormat},
	{StageFinalize, "finalize", (*Engine).stageFinalize},
}

// stageByID returns the definition for a stage id.
func stageByID(id int) (stageDef, bool) {
	if id < 1 || id > len(stageTable) {
		return stageDef{}, false
	}
	return stageTable[id-1], true
}

// StageName resolves a stage id for logs and events.
func StageName(id int) string {
	if def, ok := stageByID(id); ok {
		return def.Name
	}
	return "unknown"
}

// =============================================================================
// Stage Implementations
// =============================================================================

const (
	minTopicLength = 8
	maxTopicLength = 500
)

// stageValidate normalizes and bounds-checks the topic. Deterministic; no
// provider calls.
func (e *Engine) stageValidate(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	topic := strings.TrimSpace(job.Topic)
	if len(topic) < minTopicLength {
		return datatypes.StageOutput{}, fmt.Errorf("topic too short (%d chars, need %d)", len(topic), minTopicLength)
	}
	if len(topic) > maxTopicLength {
		return datatypes.StageOutput{}, fmt.Errorf("topic too long (%d chars, max %d)", len(topic), maxTopicLength)
	}
	return datatypes.NewStageOutput(datatypes.StageOutputText, datatypes.TextPayload{Text: topic})
}

// stageBuildContext asks the planning provider for a research brief and the
// expanded query set that drives both research passes.
func (e *Engine) stageBuildContext(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	prompt := fmt.Sprintf(`You are preparing research for an article on the topic below.
Write a one-paragraph research brief, then list 3 to 5 focused search queries.
Respond with JSON only: {"brief": "...", "queries": ["...", "..."]}

Topic: %s
Audience: %s`, job.Topic, audienceOrDefault(job.Options.Audience))

	result, err := e.deps.Generator.Generate(ctx, llm.TaskPlanning, prompt, llm.GenerationParams{})
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("build context: %w", err)
	}

	var payload datatypes.ContextPayload
	if err := decodeJSONBlock(result.Text, &payload); err != nil || len(payload.Queries) == 0 {
		// Model ignored the format; fall back to the raw topic.
		payload = datatypes.ContextPayload{
			Brief:   strings.TrimSpace(result.Text),
			Queries: []string{job.Topic},
		}
	}
	return datatypes.NewStageOutput(datatypes.StageOutputContext, payload)
}

// stageInternalResearch searches the internal library index only.
func (e *Engine) stageInternalResearch(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	return e.runResearch(ctx, job, research.ScopeInternal)
}

// stageExternalResearch searches the external literature providers only.
func (e *Engine) stageExternalResearch(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	return e.runResearch(ctx, job, research.ScopeExternal)
}

func (e *Engine) runResearch(ctx context.Context, job *datatypes.Job, scope research.Scope) (datatypes.StageOutput, error) {
	queries := []string{job.Topic}
	if out, ok := job.Output(StageBuildContext); ok {
		if cp, err := out.Context(); err == nil && len(cp.Queries) > 0 {
			queries = cp.Queries
		}
	}
	sources, stats, err := e.deps.Researcher.Search(ctx, job.Topic, queries, scope)
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("research: %w", err)
	}
	if max := job.Options.MaxSources; max > 0 && len(sources) > max {
		sources = sources[:max]
	}
	return datatypes.NewStageOutput(datatypes.StageOutputResearch, datatypes.ResearchPayload{
		Sources: sources,
		Stats:   stats,
	})
}

// mergedSources combines both research passes, deduplicating across origins.
func (e *Engine) mergedSources(ctx context.Context, job *datatypes.Job) ([]datatypes.Source, datatypes.DedupStats, error) {
	var batches [][]datatypes.Source
	for _, stageID := range []int{StageInternalResearch, StageExternalResearch} {
		out, ok := job.Output(stageID)
		if !ok {
			continue
		}
		rp, err := out.Research()
		if err != nil {
			return nil, datatypes.DedupStats{}, fmt.Errorf("stage %d output: %w", stageID, err)
		}
		batches = append(batches, rp.Sources)
	}
	return e.deps.Researcher.Merge(ctx, job.Topic, batches...)
}

// stagePlan builds the document outline from the brief and the merged
// source set.
func (e *Engine) stagePlan(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	brief := job.Topic
	if out, ok := job.Output(StageBuildContext); ok {
		if cp, err := out.Context(); err == nil && cp.Brief != "" {
			brief = cp.Brief
		}
	}
	sources, _, err := e.mergedSources(ctx, job)
	if err != nil {
		return datatypes.StageOutput{}, err
	}

	prompt := fmt.Sprintf(`Plan an article on: %s

Research brief: %s

Available sources:
%s
Respond with JSON only: {"sections": [{"heading": "..."}]}
Use 4 to 8 sections ordered for a coherent narrative.`,
		job.Topic, brief, sourceDigest(sources, 10))

	result, err := e.deps.Generator.Generate(ctx, llm.TaskPlanning, prompt, llm.GenerationParams{})
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("plan: %w", err)
	}

	var payload datatypes.SectionsPayload
	if err := decodeJSONBlock(result.Text, &payload); err != nil || len(payload.Sections) == 0 {
		return datatypes.StageOutput{}, fmt.Errorf("plan produced no usable outline")
	}
	return datatypes.NewStageOutput(datatypes.StageOutputSections, payload)
}

// stageGenerateSections writes each outline section in order. Sections are
// generated sequentially so each prompt can carry the preceding section for
// continuity.
func (e *Engine) stageGenerateSections(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	out, ok := job.Output(StagePlan)
	if !ok {
		return datatypes.StageOutput{}, fmt.Errorf("plan output missing")
	}
	outline, err := out.Sections()
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	sources, _, err := e.mergedSources(ctx, job)
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	digest := sourceDigest(sources, 15)

	sections := make([]datatypes.Section, 0, len(outline.Sections))
	previous := ""
	for i, sec := range outline.Sections {
		prompt := fmt.Sprintf(`Write section %d of %d for an article on: %s
Section heading: %s
Audience: %s

Sources (cite inline as [n] using the numbers below):
%s`,
			i+1, len(outline.Sections), job.Topic, sec.Heading,
			audienceOrDefault(job.Options.Audience), digest)
		if previous != "" {
			prompt += "\n\nThe previous section ended with:\n" + tail(previous, 400)
		}

		result, err := e.deps.Generator.Generate(ctx, llm.TaskGeneration, prompt, llm.GenerationParams{})
		if err != nil {
			return datatypes.StageOutput{}, fmt.Errorf("generate section %q: %w", sec.Heading, err)
		}
		body := strings.TrimSpace(result.Text)
		sections = append(sections, datatypes.Section{Heading: sec.Heading, Body: body})
		previous = body
	}
	return datatypes.NewStageOutput(datatypes.StageOutputSections, datatypes.SectionsPayload{Sections: sections})
}

// stageBuildCitations maps the unique merged sources onto a numbered
// citation list. Deterministic; no provider calls.
func (e *Engine) stageBuildCitations(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	sources, _, err := e.mergedSources(ctx, job)
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	var citations []datatypes.Citation
	index := 1
	for _, src := range sources {
		if src.IsDuplicate {
			continue
		}
		citations = append(citations, datatypes.Citation{
			Index:    index,
			SourceID: src.Identifier,
			Title:    src.Title,
			Authors:  src.Authors,
			Year:     src.Year,
			Origin:   src.Origin,
		})
		index++
	}
	return datatypes.NewStageOutput(datatypes.StageOutputCitations, datatypes.CitationsPayload{Citations: citations})
}

// stageScoreQuality asks the relevance provider to rate the draft.
func (e *Engine) stageScoreQuality(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	draft, err := e.assembleDraft(job, nil)
	if err != nil {
		return datatypes.StageOutput{}, err
	}

	prompt := fmt.Sprintf(`Rate the quality of this article draft on topic %q.
Consider coverage, coherence, and use of sources.
Respond with a single number between 0.0 and 1.0, nothing else.

%s`, job.Topic, truncate(draft, 12000))

	result, err := e.deps.Generator.Generate(ctx, llm.TaskRelevance, prompt, llm.GenerationParams{})
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("score quality: %w", err)
	}
	score, err := parseScore(result.Text)
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("score quality: %w", err)
	}
	return datatypes.NewStageOutput(datatypes.StageOutputReview, datatypes.ReviewPayload{
		QualityScore: score,
		Approved:     score >= e.cfg.QualityThreshold,
	})
}

// stageFactCheck extracts the draft's main claims and verifies each one
// against the fact-check provider, merging verdicts into the review.
func (e *Engine) stageFactCheck(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	reviewOut, ok := job.Output(StageScoreQuality)
	if !ok {
		return datatypes.StageOutput{}, fmt.Errorf("quality review missing")
	}
	review, err := reviewOut.Review()
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	draft, err := e.assembleDraft(job, nil)
	if err != nil {
		return datatypes.StageOutput{}, err
	}

	prompt := fmt.Sprintf(`Extract up to 5 factual claims from this article and verify each
against general knowledge and the cited sources.
Respond with JSON only:
{"fact_checks": [{"claim": "...", "verdict": "supported|unsupported|uncertain", "confidence": 0.0}]}

%s`, truncate(draft, 12000))

	result, err := e.deps.Generator.Generate(ctx, llm.TaskFactCheck, prompt, llm.GenerationParams{})
	if err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("fact check: %w", err)
	}

	var parsed datatypes.ReviewPayload
	if err := decodeJSONBlock(result.Text, &parsed); err != nil {
		return datatypes.StageOutput{}, fmt.Errorf("fact check produced unparseable verdicts: %w", err)
	}
	review.FactChecks = parsed.FactChecks
	for _, fc := range review.FactChecks {
		if fc.Verdict == "unsupported" && fc.Confidence >= 0.8 {
			review.Approved = false
		}
	}
	return datatypes.NewStageOutput(datatypes.StageOutputReview, review)
}

// stageFormat assembles the final markdown document: title, sections, and
// the references list. Deterministic; no provider calls.
func (e *Engine) stageFormat(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	citations, err := e.jobCitations(job)
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	doc, err := e.assembleDraft(job, citations)
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	return datatypes.NewStageOutput(datatypes.StageOutputText, datatypes.TextPayload{Text: doc})
}

// stageFinalize stamps the review verdict onto the formatted document.
func (e *Engine) stageFinalize(ctx context.Context, job *datatypes.Job) (datatypes.StageOutput, error) {
	formatted, ok := job.Output(StageFormat)
	if !ok {
		return datatypes.StageOutput{}, fmt.Errorf("formatted document missing")
	}
	text, err := formatted.Text()
	if err != nil {
		return datatypes.StageOutput{}, err
	}

	reviewOut, ok := job.Output(StageFactCheck)
	if !ok {
		return datatypes.StageOutput{}, fmt.Errorf("fact-check review missing")
	}
	review, err := reviewOut.Review()
	if err != nil {
		return datatypes.StageOutput{}, err
	}
	if !review.Approved {
		return datatypes.StageOutput{}, fmt.Errorf("document rejected: quality %.2f with %d fact checks",
			review.QualityScore, len(review.FactChecks))
	}
	return datatypes.NewStageOutput(datatypes.StageOutputText, text)
}

// =============================================================================
// Stage Helpers
// =============================================================================

// assembleDraft builds the markdown document from the generated sections.
// A non-nil citations list appends a References section.
func (e *Engine) assembleDraft(job *datatypes.Job, citations []datatypes.Citation) (string, error) {
	out, ok := job.Output(StageGenerateSections)
	if !ok {
		return "", fmt.Errorf("generated sections missing")
	}
	sp, err := out.Sections()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# " + job.Topic + "\n")
	for _, sec := range sp.Sections {
		sb.WriteString("\n## " + sec.Heading + "\n\n")
		sb.WriteString(sec.Body)
		sb.WriteString("\n")
	}
	if len(citations) > 0 {
		sb.WriteString("\n## References\n\n")
		for _, c := range citations {
			line := fmt.Sprintf("%d. %s", c.Index, c.Title)
			if len(c.Authors) > 0 {
				line += " (" + strings.Join(c.Authors, ", ")
				if c.Year > 0 {
					line += fmt.Sprintf(", %d", c.Year)
				}
				line += ")"
			} else if c.Year > 0 {
				line += fmt.Sprintf(" (%d)", c.Year)
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String(), nil
}

func (e *Engine) jobCitations(job *datatypes.Job) ([]datatypes.Citation, error) {
	out, ok := job.Output(StageBuildCitations)
	if !ok {
		return nil, fmt.Errorf("citations missing")
	}
	cp, err := out.Citations()
	if err != nil {
		return nil, err
	}
	return cp.Citations, nil
}

// sourceDigest renders the top unique sources as a numbered list for
// prompts.
func sourceDigest(sources []datatypes.Source, limit int) string {
	var sb strings.Builder
	n := 0
	for _, src := range sources {
		if src.IsDuplicate {
			continue
		}
		n++
		if n > limit {
			break
		}
		sb.WriteString(fmt.Sprintf("[%d] %s", n, src.Title))
		if src.Year > 0 {
			sb.WriteString(fmt.Sprintf(" (%d)", src.Year))
		}
		sb.WriteString("\n")
	}
	if n == 0 {
		return "(no sources found)\n"
	}
	return sb.String()
}

// decodeJSONBlock unmarshals the first JSON object in text, tolerating
// prose or code fences around it.
func decodeJSONBlock(text string, dst any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(text[start:end+1]), dst)
}

// parseScore extracts a [0,1] float from a model response.
func parseScore(text string) (float64, error) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, "`*\"',;:")
		score, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if score >= 0 && score <= 1 {
			return score, nil
		}
		// Some models answer on a 0-100 scale.
		if score > 1 && score <= 100 {
			return score / 100, nil
		}
	}
	return 0, fmt.Errorf("no score in response %q", truncate(text, 80))
}

func audienceOrDefault(audience string) string {
	if audience == "" {
		return "general"
	}
	return audience
}

func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
