package search

import (
	"errors"
	"strings"

	"github.com/clinterm/termsearch/internal/domain/catalog"
)

// ErrUnavailable signals that every read path into the catalog failed, or
// that its circuit breaker is open. Callers receive it as a degraded-service
// condition, never as a crash.
var ErrUnavailable = errors.New("search service unavailable")

// ErrInvalidQuery marks a rejected request (empty query, no terms, no codes).
var ErrInvalidQuery = errors.New("invalid query")

// MatchKind identifies the strategy that produced a candidate.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchCodePrefix MatchKind = "code_prefix"
	MatchTermPrefix MatchKind = "term_prefix"
	MatchFuzzy      MatchKind = "fuzzy"
)

// priority orders match kinds for deduplication; higher wins.
func (k MatchKind) priority() int {
	switch k {
	case MatchExact:
		return 4
	case MatchCodePrefix:
		return 3
	case MatchTermPrefix:
		return 2
	case MatchFuzzy:
		return 1
	}
	return 0
}

// fuzzyWeight keeps every fuzzy confidence strictly below the structural
// kinds: a structural match always outranks fuzzy unless similarity is 1.0.
const fuzzyWeight = 0.79

// confidence maps a match kind (and, for fuzzy, the raw similarity) to the
// normalized [0,1] ranking score.
func confidence(kind MatchKind, rawScore float64) float64 {
	switch kind {
	case MatchExact:
		return 1.0
	case MatchCodePrefix:
		return 0.9
	case MatchTermPrefix:
		return 0.8
	case MatchFuzzy:
		if rawScore < 0 {
			rawScore = 0
		}
		if rawScore > 1 {
			rawScore = 1
		}
		return rawScore * fuzzyWeight
	}
	return 0
}

// Query is one normalized search request.
type Query struct {
	Raw            string
	Normalized     string
	Limit          int
	Chapter        string
	FuzzyThreshold float64
}

// Normalize collapses whitespace and lowercases free text. Ordering and
// cache keys are computed from the normalized form only.
func Normalize(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// MatchCandidate is one strategy hit before merging; raw, unfiltered and
// possibly duplicated across strategies.
type MatchCandidate struct {
	Entry    *catalog.CodeEntry
	Kind     MatchKind
	RawScore float64
}

// RankedResult is one merged, scored result.
type RankedResult struct {
	Code         string    `json:"code"`
	Term         string    `json:"term"`
	Chapter      string    `json:"chapter,omitempty"`
	ParentCode   string    `json:"parent_code,omitempty"`
	Confidence   float64   `json:"confidence"`
	MatchKind    MatchKind `json:"match_kind"`
	MatchedTerms []string  `json:"matched_terms,omitempty"` // clinical queries only
}

// Response is the ranked answer to a single-term search.
type Response struct {
	Results     []RankedResult `json:"results"`
	TotalCount  int            `json:"total_count"`
	QueryTimeMs float64        `json:"query_time_ms"`
	Partial     bool           `json:"partial"`
	CacheStatus string         `json:"cache_status"`
}

// AutocompleteResponse carries term-prefix completions for a typed fragment.
type AutocompleteResponse struct {
	Suggestions []*catalog.CodeEntry `json:"suggestions"`
	TotalCount  int                  `json:"total_count"`
	CacheStatus string               `json:"cache_status"`
}

// CoverageMetrics summarizes a clinical (multi-term) analysis.
type CoverageMetrics struct {
	TotalTerms       int `json:"total_terms"`
	TermsWithMatches int `json:"terms_with_matches"`
	FullCoverageHits int `json:"full_coverage_hits"`
}

// ClinicalResponse is the answer to a multi-term clinical query.
type ClinicalResponse struct {
	Results     []RankedResult  `json:"results"`
	Coverage    CoverageMetrics `json:"coverage"`
	QueryTimeMs float64         `json:"query_time_ms"`
	Partial     bool            `json:"partial"`
	CacheStatus string          `json:"cache_status"`
}
