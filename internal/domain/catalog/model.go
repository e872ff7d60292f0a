package catalog

import "errors"

// ErrNotFound is the negative result for a single-code lookup. It is not a
// dependency failure and must never trip a circuit breaker caller.
var ErrNotFound = errors.New("code not found")

// CodeEntry is one coded clinical term in the catalog. Entries are immutable
// for the lifetime of a service process; the catalog is replaced wholesale
// by an out-of-band refresh.
type CodeEntry struct {
	Code        string `db:"code" json:"code"`
	Term        string `db:"term" json:"term"`
	Description string `db:"description" json:"description,omitempty"`
	Chapter     string `db:"chapter" json:"chapter,omitempty"`
	Active      bool   `db:"active" json:"active"`
	ParentCode  string `db:"parent_code" json:"parent_code,omitempty"`
}

// ScoredEntry pairs an entry with a similarity score from the fuzzy
// strategy. Score is in [0,1] and monotonic in closeness to the query.
type ScoredEntry struct {
	Entry *CodeEntry `json:"entry"`
	Score float64    `json:"score"`
}

// Hierarchy is a code with its immediate context: one parent level up,
// children one level down, and siblings under the same parent.
type Hierarchy struct {
	Entry    *CodeEntry   `json:"entry"`
	Parent   *CodeEntry   `json:"parent,omitempty"`
	Children []*CodeEntry `json:"children,omitempty"`
	Siblings []*CodeEntry `json:"siblings,omitempty"`
}
