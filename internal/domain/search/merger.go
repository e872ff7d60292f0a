package search

import (
	"sort"
	"strings"
)

// Merge deduplicates candidates across strategies, assigns confidences,
// applies the optional chapter filter and truncates to limit. It is a pure
// function of the candidate set: output order never depends on the order in
// which concurrent strategies completed.
//
// When a code was surfaced by more than one strategy only the
// highest-priority kind survives (exact > code-prefix > term-prefix >
// fuzzy).
func Merge(cands []MatchCandidate, chapterFilter string, limit int) []RankedResult {
	best := make(map[string]MatchCandidate)
	for _, c := range cands {
		if c.Entry == nil {
			continue
		}
		if chapterFilter != "" && !chapterMatches(c.Entry.Chapter, chapterFilter) {
			continue
		}
		prev, seen := best[c.Entry.Code]
		if !seen || c.Kind.priority() > prev.Kind.priority() ||
			(c.Kind == prev.Kind && c.RawScore > prev.RawScore) {
			best[c.Entry.Code] = c
		}
	}

	results := make([]RankedResult, 0, len(best))
	for _, c := range best {
		results = append(results, RankedResult{
			Code:       c.Entry.Code,
			Term:       c.Entry.Term,
			Chapter:    c.Entry.Chapter,
			ParentCode: c.Entry.ParentCode,
			Confidence: confidence(c.Kind, c.RawScore),
			MatchKind:  c.Kind,
		})
	}

	sortRanked(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// sortRanked orders results by descending confidence, tie-broken by
// ascending code so equal-confidence output is deterministic.
func sortRanked(results []RankedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Code < results[j].Code
	})
}

func chapterMatches(chapter, filter string) bool {
	return strings.Contains(strings.ToLower(chapter), strings.ToLower(filter))
}
