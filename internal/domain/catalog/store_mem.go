package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
)

// memStore is an in-memory Store over a fixed catalog snapshot. It backs
// development mode, the catalog load verification path, and tests. Fuzzy
// matching uses Jaro-Winkler similarity instead of pg_trgm.
type memStore struct {
	byCode  map[string]*CodeEntry
	entries []*CodeEntry // sorted by code
}

// NewMemStore builds a Store over the given entries. The slice is copied;
// later mutation of the input does not affect the store.
func NewMemStore(entries []*CodeEntry) Store {
	s := &memStore{byCode: make(map[string]*CodeEntry, len(entries))}
	for _, e := range entries {
		s.byCode[strings.ToUpper(e.Code)] = e
		s.entries = append(s.entries, e)
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Code < s.entries[j].Code })
	return s
}

func (s *memStore) ByExactCode(_ context.Context, code string) (*CodeEntry, error) {
	e, ok := s.byCode[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *memStore) ByCodePrefix(_ context.Context, prefix string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	p := strings.ToUpper(prefix)
	var out []*CodeEntry
	for _, e := range s.entries {
		if !e.Active {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(e.Code), p) {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ByTermPrefix(_ context.Context, term string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(term)
	var out []*CodeEntry
	for _, e := range s.entries {
		if e.Active && termHasWordPrefix(e.Term, q) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Term != out[j].Term {
			return out[i].Term < out[j].Term
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ByFuzzyTerm(_ context.Context, term string, threshold float64, limit int) ([]ScoredEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(term)
	var scored []ScoredEntry
	for _, e := range s.entries {
		if !e.Active {
			continue
		}
		if score := similarity(e.Term, q); score > threshold {
			scored = append(scored, ScoredEntry{Entry: e, Score: score})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.Code < scored[j].Entry.Code
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *memStore) BatchByCode(_ context.Context, codes []string) (map[string]*CodeEntry, error) {
	out := make(map[string]*CodeEntry, len(codes))
	for _, code := range codes {
		if e, ok := s.byCode[strings.ToUpper(code)]; ok {
			// Key by the requested spelling so callers can resolve their
			// own input without re-normalizing.
			out[code] = e
		}
	}
	return out, nil
}

func (s *memStore) Hierarchy(ctx context.Context, code string) (*Hierarchy, error) {
	entry, err := s.ByExactCode(ctx, code)
	if err != nil {
		return nil, err
	}
	h := &Hierarchy{Entry: entry}
	if entry.ParentCode != "" {
		if p, ok := s.byCode[strings.ToUpper(entry.ParentCode)]; ok {
			h.Parent = p
		}
	}
	for _, e := range s.entries {
		if !e.Active {
			continue
		}
		if e.ParentCode == entry.Code && len(h.Children) < 20 {
			h.Children = append(h.Children, e)
		}
		if entry.ParentCode != "" && e.ParentCode == entry.ParentCode && e.Code != entry.Code && len(h.Siblings) < 10 {
			h.Siblings = append(h.Siblings, e)
		}
	}
	return h, nil
}

func termHasWordPrefix(term, lowered string) bool {
	t := strings.ToLower(term)
	if strings.HasPrefix(t, lowered) {
		return true
	}
	for _, w := range strings.Fields(t) {
		if strings.HasPrefix(w, lowered) {
			return true
		}
	}
	return false
}

// similarity scores a catalog term against a query in [0,1]. The best of
// whole-term and per-word Jaro-Winkler is used so a short query still
// scores well against a long clinical phrase. Jaro-Winkler is generous at
// the low end (a single shared letter already scores ~0.4), so the raw
// value is rescaled from [0.5,1] to [0,1]: unrelated strings land near
// zero, the way pg_trgm behaves on the Postgres path.
func similarity(term, lowered string) float64 {
	t := strings.ToLower(term)
	best := smetrics.JaroWinkler(t, lowered, 0.7, 4)
	for _, w := range strings.Fields(t) {
		if s := smetrics.JaroWinkler(w, lowered, 0.7, 4); s > best {
			best = s
		}
	}
	scaled := (best - 0.5) * 2
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 1 {
		scaled = 1
	}
	return scaled
}
