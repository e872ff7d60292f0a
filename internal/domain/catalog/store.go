package catalog

import "context"

// Store provides read-only lookups over the code catalog. All four search
// operations are deterministic for a fixed catalog snapshot; transient
// unavailability surfaces as an error, never as a partial result.
type Store interface {
	// ByExactCode returns the entry whose code equals the given code
	// (case-insensitive), or ErrNotFound.
	ByExactCode(ctx context.Context, code string) (*CodeEntry, error)
	// ByCodePrefix returns active entries whose code starts with prefix,
	// ordered by code.
	ByCodePrefix(ctx context.Context, prefix string, limit int) ([]*CodeEntry, error)
	// ByTermPrefix returns active entries where the term, or any word in it,
	// starts with the given text, ordered by term then code.
	ByTermPrefix(ctx context.Context, term string, limit int) ([]*CodeEntry, error)
	// ByFuzzyTerm returns active entries whose term similarity to the given
	// text exceeds threshold, ordered by descending score then code.
	ByFuzzyTerm(ctx context.Context, term string, threshold float64, limit int) ([]ScoredEntry, error)
	// BatchByCode resolves many codes at once, matching case-insensitively
	// like ByExactCode. The result map is keyed by the requested spelling;
	// absent codes are simply missing from it.
	BatchByCode(ctx context.Context, codes []string) (map[string]*CodeEntry, error)
	// Hierarchy returns a code with its parent, children and siblings, or
	// ErrNotFound for an unknown code.
	Hierarchy(ctx context.Context, code string) (*Hierarchy, error)
}
