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

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

var indexTracer = otel.Tracer("aleutian.scribe.research")

// WeaviateIndex implements InternalIndex over a Weaviate class holding
// previously ingested library documents.
//
// # Schema
//
// The class is expected to carry title, authors, year, abstract, and
// identifier properties. Certainty (always in [0,1]) is requested instead
// of distance, which varies by metric.
type WeaviateIndex struct {
	client   *weaviate.Client
	embedder TextEmbedder
	class    string
}

// NewWeaviateIndex creates an index reader. The class defaults to
// "LibraryDocument" when empty.
func NewWeaviateIndex(client *weaviate.Client, embedder TextEmbedder, class string) *WeaviateIndex {
	if class == "" {
		class = "LibraryDocument"
	}
	return &WeaviateIndex{client: client, embedder: embedder, class: class}
}

// Search embeds the query and runs a nearVector search against the class.
func (w *WeaviateIndex) Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error) {
	ctx, span := indexTracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()

	vector, err := w.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "title"},
		{Name: "authors"},
		{Name: "year"},
		{Name: "abstract"},
		{Name: "identifier"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search returned error: %s", result.Errors[0].Message)
	}

	sources := parseIndexResults(result.Data, w.class)
	slog.Debug("internal index search complete", "query", query, "count", len(sources))
	return sources, nil
}

// parseIndexResults walks the untyped GraphQL payload defensively: a
// malformed record is skipped, not fatal.
func parseIndexResults(data map[string]models.JSONObject, class string) []datatypes.Source {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	records, ok := get[class].([]any)
	if !ok {
		return nil
	}

	sources := make([]datatypes.Source, 0, len(records))
	for _, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		src := datatypes.Source{Origin: datatypes.OriginInternal}
		if title, ok := obj["title"].(string); ok {
			src.Title = title
		}
		if id, ok := obj["identifier"].(string); ok {
			src.Identifier = id
		}
		if abstract, ok := obj["abstract"].(string); ok {
			src.Abstract = abstract
		}
		if year, ok := obj["year"].(float64); ok {
			src.Year = int(year)
		}
		if authors, ok := obj["authors"].([]any); ok {
			for _, a := range authors {
				if name, ok := a.(string); ok {
					src.Authors = append(src.Authors, name)
				}
			}
		}
		if add, ok := obj["_additional"].(map[string]any); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				src.VectorScore = certainty
			}
		}
		if src.Title == "" {
			continue
		}
		src.EnsureIdentifier()
		sources = append(sources, src)
	}
	return sources
}
