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
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

const (
	arxivSearchURL = "https://arxiv.org/search/"

	// arXiv asks automated clients to keep at least a 3 second gap between
	// requests.
	arxivRequestInterval = 3 * time.Second
)

var arxivYearExpr = regexp.MustCompile(`(\d{4})`)

// ArxivSource searches arxiv.org and parses the HTML result listing.
type ArxivSource struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewArxivSource wires an HTTP client; nil gets a 20 second timeout default.
func NewArxivSource(client *http.Client) *ArxivSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &ArxivSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(arxivRequestInterval), 1),
		baseURL: arxivSearchURL,
	}
}

// Name identifies the source in merged result sets and logs.
func (a *ArxivSource) Name() string {
	return "arxiv"
}

// Search runs one query against the arXiv search page and extracts up to
// limit results.
func (a *ArxivSource) Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	doc, err := a.fetchDocument(ctx, a.searchURL(query, limit))
	if err != nil {
		return nil, fmt.Errorf("arxiv query %q: %w", query, err)
	}

	var sources []datatypes.Source
	doc.Find("li.arxiv-result").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if len(sources) >= limit {
			return false
		}
		src, ok := parseArxivResult(sel)
		if !ok {
			return true
		}
		sources = append(sources, src)
		return true
	})
	return sources, nil
}

func (a *ArxivSource) searchURL(query string, limit int) string {
	params := url.Values{}
	params.Set("query", query)
	params.Set("searchtype", "all")
	params.Set("size", strconv.Itoa(clampPageSize(limit)))
	return a.baseURL + "?" + params.Encode()
}

// clampPageSize maps a limit onto the page sizes the search form accepts.
func clampPageSize(limit int) int {
	for _, size := range []int{25, 50, 100, 200} {
		if limit <= size {
			return size
		}
	}
	return 200
}

func (a *ArxivSource) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "AleutianScribe/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// parseArxivResult extracts one search hit. Results missing a title or an
// arXiv id are skipped.
func parseArxivResult(sel *goquery.Selection) (datatypes.Source, bool) {
	src := datatypes.Source{Origin: "arxiv"}

	title := strings.TrimSpace(sel.Find("p.title").First().Text())
	if title == "" {
		return src, false
	}
	src.Title = title

	idText := strings.TrimSpace(sel.Find("p.list-title a").First().Text())
	src.Identifier = strings.TrimPrefix(idText, "arXiv:")
	if src.Identifier == "" {
		if href, ok := sel.Find("p.list-title a").First().Attr("href"); ok {
			src.Identifier = strings.TrimPrefix(href, "https://arxiv.org/abs/")
		}
	}
	if src.Identifier == "" {
		return src, false
	}

	authorsText := strings.TrimSpace(sel.Find("p.authors").First().Text())
	authorsText = strings.TrimPrefix(authorsText, "Authors:")
	for _, name := range strings.Split(authorsText, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			src.Authors = append(src.Authors, name)
		}
	}

	abstract := sel.Find("span.abstract-short").First().Text()
	if abstract == "" {
		abstract = sel.Find("p.abstract").First().Text()
	}
	src.Abstract = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(abstract), "△ Less"))

	submitted := sel.Find("p.is-size-7").First().Text()
	if match := arxivYearExpr.FindString(submitted); match != "" {
		if year, err := strconv.Atoi(match); err == nil {
			src.Year = year
		}
	}

	return src, true
}
