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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

const crossrefWorksURL = "https://api.crossref.org/works"

// CrossrefSource queries the Crossref works API for published literature.
type CrossrefSource struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string

	// mailto identifies the caller for Crossref's polite pool. Optional.
	mailto string
}

// NewCrossrefSource wires an HTTP client; nil gets a 20 second timeout
// default.
func NewCrossrefSource(client *http.Client, mailto string) *CrossrefSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &CrossrefSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		baseURL: crossrefWorksURL,
		mailto:  mailto,
	}
}

// Name identifies the source in merged result sets and logs.
func (c *CrossrefSource) Name() string {
	return "crossref"
}

type crossrefResponse struct {
	Message struct {
		Items []crossrefWork `json:"items"`
	} `json:"message"`
}

type crossrefWork struct {
	DOI    string   `json:"DOI"`
	Title  []string `json:"title"`
	Author []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
	} `json:"author"`
	Abstract  string `json:"abstract"`
	Published struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"published"`
	Score float64 `json:"score"`
}

// Search runs one bibliographic query and maps the returned works.
func (c *CrossrefSource) Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("query.bibliographic", query)
	params.Set("rows", strconv.Itoa(limit))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "AleutianScribe/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crossref query %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crossref returned %s", resp.Status)
	}

	var payload crossrefResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode crossref response: %w", err)
	}

	sources := make([]datatypes.Source, 0, len(payload.Message.Items))
	for _, work := range payload.Message.Items {
		src, ok := mapCrossrefWork(work)
		if !ok {
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// mapCrossrefWork converts one API item. Works without a DOI or title are
// skipped.
func mapCrossrefWork(work crossrefWork) (datatypes.Source, bool) {
	src := datatypes.Source{Origin: "crossref"}

	if work.DOI == "" || len(work.Title) == 0 || work.Title[0] == "" {
		return src, false
	}
	src.Identifier = work.DOI
	src.Title = work.Title[0]
	src.Abstract = stripJATSMarkup(work.Abstract)

	for _, author := range work.Author {
		name := strings.TrimSpace(author.Given + " " + author.Family)
		if name != "" {
			src.Authors = append(src.Authors, name)
		}
	}
	if parts := work.Published.DateParts; len(parts) > 0 && len(parts[0]) > 0 {
		src.Year = parts[0][0]
	}
	return src, true
}

// stripJATSMarkup removes the JATS XML tags Crossref embeds in abstracts.
func stripJATSMarkup(text string) string {
	if text == "" {
		return ""
	}
	var sb strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
