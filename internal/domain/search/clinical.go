package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxClinicalTerms bounds the per-request fan-out.
const maxClinicalTerms = 10

// ClinicalAnalysis answers a multi-term query (e.g. a symptom list) by
// running the full matcher+merger pipeline per term in parallel, then
// re-weighting every surfaced code by how many distinct input terms
// surfaced it. A code consistent with several terms outranks a
// single-term coincidental match.
func (s *Service) ClinicalAnalysis(ctx context.Context, terms []string) (*ClinicalResponse, error) {
	start := time.Now()

	normalized := normalizeTerms(terms)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: at least one term is required", ErrInvalidQuery)
	}
	if len(normalized) > maxClinicalTerms {
		return nil, fmt.Errorf("%w: at most %d terms are supported", ErrInvalidQuery, maxClinicalTerms)
	}

	key := s.clinicalKey(normalized)
	if cached, ok := s.clinicalCacheGet(ctx, key); ok {
		cached.QueryTimeMs = elapsedMs(start)
		cached.CacheStatus = "hit"
		return cached, nil
	}

	perTerm := make([]*Response, len(normalized))
	failed := make([]bool, len(normalized))

	g := new(errgroup.Group)
	for i, term := range normalized {
		i, term := i, term
		g.Go(func() error {
			q := Query{
				Raw:            term,
				Normalized:     term,
				Limit:          clinicalTermLimit,
				FuzzyThreshold: s.fuzzyDefault,
			}
			resp, _, err := s.compute(ctx, q)
			if err != nil {
				s.logger.Warn().Err(err).Str("term", term).Msg("clinical term pipeline failed")
				failed[i] = true
				return nil
			}
			perTerm[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	failedCount := 0
	partial := false
	for i := range normalized {
		if failed[i] {
			failedCount++
		} else if perTerm[i].Partial {
			partial = true
		}
	}
	if failedCount == len(normalized) {
		return nil, fmt.Errorf("%w: all term pipelines failed", ErrUnavailable)
	}
	partial = partial || failedCount > 0

	resp := scoreCoverage(normalized, perTerm)
	resp.Partial = partial
	resp.QueryTimeMs = elapsedMs(start)
	resp.CacheStatus = "miss"

	if !resp.Partial {
		s.clinicalCacheSet(ctx, key, resp)
	}
	return resp, nil
}

// scoreCoverage folds per-term result lists into one ranked list:
// coverage = surfacingTerms/totalTerms, and the final score is
// avgConfidence x (0.5 + 0.5 x coverage).
func scoreCoverage(terms []string, perTerm []*Response) *ClinicalResponse {
	type acc struct {
		result   RankedResult
		sumConf  float64
		bestConf float64
		terms    []string
	}
	byCode := make(map[string]*acc)

	for i, resp := range perTerm {
		if resp == nil {
			continue
		}
		for _, r := range resp.Results {
			a, ok := byCode[r.Code]
			if !ok {
				a = &acc{result: r}
				byCode[r.Code] = a
			}
			a.sumConf += r.Confidence
			a.terms = append(a.terms, terms[i])
			if r.Confidence > a.bestConf {
				a.bestConf = r.Confidence
				a.result.MatchKind = r.MatchKind
			}
		}
	}

	total := len(terms)
	termsWithMatches := 0
	for _, resp := range perTerm {
		if resp != nil && len(resp.Results) > 0 {
			termsWithMatches++
		}
	}

	results := make([]RankedResult, 0, len(byCode))
	fullCoverage := 0
	for _, a := range byCode {
		coverage := float64(len(a.terms)) / float64(total)
		avg := a.sumConf / float64(len(a.terms))

		r := a.result
		r.Confidence = avg * (0.5 + 0.5*coverage)
		sort.Strings(a.terms)
		r.MatchedTerms = a.terms
		results = append(results, r)
		if len(a.terms) == total {
			fullCoverage++
		}
	}
	sortRanked(results)

	return &ClinicalResponse{
		Results: results,
		Coverage: CoverageMetrics{
			TotalTerms:       total,
			TermsWithMatches: termsWithMatches,
			FullCoverageHits: fullCoverage,
		},
	}
}

// normalizeTerms normalizes, drops empties and dedupes while keeping first
// occurrence order.
func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	var out []string
	for _, t := range terms {
		n := Normalize(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (s *Service) clinicalKey(terms []string) string {
	sorted := append([]string(nil), terms...)
	sort.Strings(sorted)
	sig := fmt.Sprintf("%s|%d|%.2f", strings.Join(sorted, ";"), clinicalTermLimit, s.fuzzyDefault)
	return fmt.Sprintf("%s:clinical:%s", keyPrefix, hashKey(sig))
}

func (s *Service) clinicalCacheGet(ctx context.Context, key string) (*ClinicalResponse, bool) {
	raw, ok := s.rawCacheGet(ctx, key)
	if !ok {
		return nil, false
	}
	var resp ClinicalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("corrupt cache entry, recomputing")
		return nil, false
	}
	return &resp, true
}

func (s *Service) clinicalCacheSet(ctx context.Context, key string, resp *ClinicalResponse) {
	tagSeen := map[string]struct{}{}
	tags := []string{catalogTag}
	for _, r := range resp.Results {
		if r.Chapter == "" {
			continue
		}
		tag := strings.ToLower(r.Chapter)
		if _, ok := tagSeen[tag]; !ok {
			tagSeen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}

	clone := *resp
	clone.QueryTimeMs = 0
	clone.CacheStatus = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal cache entry")
		return
	}
	s.rawCacheSet(ctx, key, raw, tags)
}
