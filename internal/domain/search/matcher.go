package search

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinterm/termsearch/internal/domain/catalog"
	"github.com/clinterm/termsearch/internal/platform/breaker"
)

const (
	strategyExact      = "exact"
	strategyTermPrefix = "term_prefix"
	strategyFuzzy      = "fuzzy"

	codePrefixLimit  = 5
	termPrefixCap    = 10
	fuzzySearchLimit = 20
)

// Matcher fans one query out into the exact/code-prefix, term-prefix and
// fuzzy strategies, all running concurrently against the catalog store
// through its circuit breaker.
type Matcher struct {
	store  catalog.Store
	brk    *breaker.Breaker
	logger zerolog.Logger
}

// NewMatcher creates a Matcher over the given store and breaker.
func NewMatcher(store catalog.Store, brk *breaker.Breaker, logger zerolog.Logger) *Matcher {
	return &Matcher{store: store, brk: brk, logger: logger}
}

// MatchSet is the raw union of candidates across strategies plus the names
// of strategies that failed. Candidates are neither filtered nor deduped.
type MatchSet struct {
	Candidates []MatchCandidate
	Failed     []string
}

// Partial reports whether at least one strategy failed while another
// survived.
func (m *MatchSet) Partial() bool { return len(m.Failed) > 0 }

// Match runs all strategies and joins on completion. A failure in one
// strategy never aborts the others; only when every strategy fails does
// Match return ErrUnavailable. Caller cancellation propagates through ctx
// to all in-flight catalog calls.
func (m *Matcher) Match(ctx context.Context, q Query) (*MatchSet, error) {
	var (
		exactCands []MatchCandidate
		termCands  []MatchCandidate
		fuzzyCands []MatchCandidate
		errs       = make([]error, 3)
	)

	g := new(errgroup.Group)
	g.Go(func() error {
		exactCands, errs[0] = m.exactStrategy(ctx, q)
		return nil
	})
	g.Go(func() error {
		termCands, errs[1] = m.termPrefixStrategy(ctx, q)
		return nil
	})
	g.Go(func() error {
		fuzzyCands, errs[2] = m.fuzzyStrategy(ctx, q)
		return nil
	})
	_ = g.Wait()

	set := &MatchSet{}
	set.Candidates = append(set.Candidates, exactCands...)
	set.Candidates = append(set.Candidates, termCands...)
	set.Candidates = append(set.Candidates, fuzzyCands...)

	for i, name := range []string{strategyExact, strategyTermPrefix, strategyFuzzy} {
		if errs[i] != nil {
			m.logger.Warn().Err(errs[i]).Str("strategy", name).Msg("match strategy failed")
			set.Failed = append(set.Failed, name)
		}
	}
	if len(set.Failed) == 3 {
		// Surface the first underlying cause; they are usually identical.
		return nil, errors.Join(ErrUnavailable, errs[0])
	}
	return set, nil
}

// exactStrategy looks for the query as a literal code and as a code prefix.
// A NotFound on the literal lookup is a negative result, not a failure.
func (m *Matcher) exactStrategy(ctx context.Context, q Query) ([]MatchCandidate, error) {
	var cands []MatchCandidate
	err := m.brk.Do(ctx, func(ctx context.Context) error {
		entry, err := m.store.ByExactCode(ctx, q.Normalized)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if entry != nil {
			cands = append(cands, MatchCandidate{Entry: entry, Kind: MatchExact})
		}

		prefixed, err := m.store.ByCodePrefix(ctx, q.Normalized, codePrefixLimit)
		if err != nil {
			return err
		}
		for _, e := range prefixed {
			kind := MatchCodePrefix
			if strings.EqualFold(e.Code, q.Normalized) {
				kind = MatchExact
			}
			cands = append(cands, MatchCandidate{Entry: e, Kind: kind})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cands, nil
}

func (m *Matcher) termPrefixStrategy(ctx context.Context, q Query) ([]MatchCandidate, error) {
	limit := q.Limit
	if limit <= 0 || limit > termPrefixCap {
		limit = termPrefixCap
	}
	var cands []MatchCandidate
	err := m.brk.Do(ctx, func(ctx context.Context) error {
		entries, err := m.store.ByTermPrefix(ctx, q.Normalized, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			cands = append(cands, MatchCandidate{Entry: e, Kind: MatchTermPrefix})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cands, nil
}

func (m *Matcher) fuzzyStrategy(ctx context.Context, q Query) ([]MatchCandidate, error) {
	threshold := q.FuzzyThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	var cands []MatchCandidate
	err := m.brk.Do(ctx, func(ctx context.Context) error {
		scored, err := m.store.ByFuzzyTerm(ctx, q.Normalized, threshold, fuzzySearchLimit)
		if err != nil {
			return err
		}
		for _, s := range scored {
			cands = append(cands, MatchCandidate{Entry: s.Entry, Kind: MatchFuzzy, RawScore: s.Score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cands, nil
}
