// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// OriginInternal marks sources retrieved from the local similarity index.
// External sources carry the provider name ("arxiv", "crossref", ...).
const OriginInternal = "internal"

// Source is one research result with provenance.
//
// Duplicates are flagged, never removed: when IsDuplicate is true,
// DuplicateOf references the Identifier of a non-duplicate Source in the
// same result set. Downstream consumers may always recover the flagged item.
type Source struct {
	// Identifier is the best available id: an external id (arXiv id, DOI)
	// when present, otherwise a content hash of the normalized title.
	Identifier string `json:"identifier"`

	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Abstract string   `json:"abstract,omitempty"`

	// Origin is OriginInternal or the external provider name.
	Origin string `json:"origin"`

	// RelevanceScore is the combined ranking score in [0,1].
	RelevanceScore float64 `json:"relevance_score"`

	// VectorScore is the similarity reported by the vector index (0 for
	// sources that never went through it).
	VectorScore float64 `json:"vector_score,omitempty"`

	IsDuplicate bool   `json:"is_duplicate"`
	DuplicateOf string `json:"duplicate_of,omitempty"`

	// AltTitles accumulates titles of merged duplicates.
	AltTitles []string `json:"alt_titles,omitempty"`

	// Embedding is populated transiently by the semantic dedup strategy.
	Embedding []float32 `json:"-"`
}

// EnsureIdentifier fills a missing Identifier with a content hash.
func (s *Source) EnsureIdentifier() {
	if s.Identifier == "" {
		s.Identifier = ContentHash(s.Title)
	}
}

// ContentHash returns a stable hash of a normalized title, used as a
// fallback identifier and by the exact dedup strategy.
func ContentHash(title string) string {
	sum := sha256.Sum256([]byte(NormalizeTitle(title)))
	return hex.EncodeToString(sum[:16])
}

// NormalizeTitle lowercases, strips punctuation, and collapses whitespace so
// trivially reformatted titles hash identically.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// DedupStats summarizes one deduplication pass for observability.
type DedupStats struct {
	Total      int     `json:"total"`
	Unique     int     `json:"unique"`
	Duplicates int     `json:"duplicates"`
	// RetentionRate is Unique/Total (1.0 for an empty batch).
	RetentionRate float64 `json:"retention_rate"`
}
