package search

import (
	"reflect"
	"testing"

	"github.com/clinterm/termsearch/internal/domain/catalog"
)

func entry(code, term, chapter string) *catalog.CodeEntry {
	return &catalog.CodeEntry{Code: code, Term: term, Chapter: chapter, Active: true}
}

func TestMergeConfidenceTable(t *testing.T) {
	cands := []MatchCandidate{
		{Entry: entry("A01", "alpha", ""), Kind: MatchExact},
		{Entry: entry("B01", "beta", ""), Kind: MatchCodePrefix},
		{Entry: entry("C01", "gamma", ""), Kind: MatchTermPrefix},
		{Entry: entry("D01", "delta", ""), Kind: MatchFuzzy, RawScore: 0.5},
	}
	results := Merge(cands, "", 10)
	want := map[string]float64{"A01": 1.0, "B01": 0.9, "C01": 0.8, "D01": 0.5 * 0.79}
	for _, r := range results {
		if got := want[r.Code]; r.Confidence != got {
			t.Errorf("%s confidence = %v, want %v", r.Code, r.Confidence, got)
		}
	}
}

func TestMergeDedupKeepsHighestPriorityKind(t *testing.T) {
	cands := []MatchCandidate{
		{Entry: entry("E11.9", "diabetes", ""), Kind: MatchFuzzy, RawScore: 0.99},
		{Entry: entry("E11.9", "diabetes", ""), Kind: MatchTermPrefix},
		{Entry: entry("E11.9", "diabetes", ""), Kind: MatchCodePrefix},
	}
	results := Merge(cands, "", 10)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].MatchKind != MatchCodePrefix {
		t.Errorf("kind = %s, want code_prefix", results[0].MatchKind)
	}
	if results[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", results[0].Confidence)
	}
}

func TestMergeStructuralOutranksFuzzy(t *testing.T) {
	// Even a near-perfect fuzzy score stays below every structural kind.
	cands := []MatchCandidate{
		{Entry: entry("A01", "alpha", ""), Kind: MatchFuzzy, RawScore: 0.999},
		{Entry: entry("B01", "beta", ""), Kind: MatchTermPrefix},
	}
	results := Merge(cands, "", 10)
	if results[0].Code != "B01" {
		t.Errorf("term-prefix should outrank fuzzy at raw 0.999, got %s first", results[0].Code)
	}
}

func TestMergeSortAndTieBreak(t *testing.T) {
	cands := []MatchCandidate{
		{Entry: entry("Z01", "z", ""), Kind: MatchTermPrefix},
		{Entry: entry("A01", "a", ""), Kind: MatchTermPrefix},
		{Entry: entry("M01", "m", ""), Kind: MatchExact},
	}
	results := Merge(cands, "", 10)
	wantOrder := []string{"M01", "A01", "Z01"}
	for i, w := range wantOrder {
		if results[i].Code != w {
			t.Fatalf("position %d = %s, want %s", i, results[i].Code, w)
		}
	}
}

func TestMergeTruncatesToLimit(t *testing.T) {
	var cands []MatchCandidate
	for _, code := range []string{"A", "B", "C", "D", "E"} {
		cands = append(cands, MatchCandidate{Entry: entry(code, code, ""), Kind: MatchTermPrefix})
	}
	results := Merge(cands, "", 2)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestMergeChapterFilter(t *testing.T) {
	cands := []MatchCandidate{
		{Entry: entry("E11", "diabetes", "Endocrine"), Kind: MatchTermPrefix},
		{Entry: entry("J06", "cough", "Respiratory"), Kind: MatchTermPrefix},
	}
	results := Merge(cands, "endo", 10)
	if len(results) != 1 || results[0].Code != "E11" {
		t.Fatalf("chapter filter failed: %+v", results)
	}
}

func TestMergeIsPureUnderInputOrder(t *testing.T) {
	a := []MatchCandidate{
		{Entry: entry("A", "a", ""), Kind: MatchFuzzy, RawScore: 0.8},
		{Entry: entry("B", "b", ""), Kind: MatchTermPrefix},
		{Entry: entry("A", "a", ""), Kind: MatchExact},
	}
	b := []MatchCandidate{a[2], a[0], a[1]}

	ra := Merge(a, "", 10)
	rb := Merge(b, "", 10)
	if len(ra) != len(rb) {
		t.Fatal("differing lengths")
	}
	for i := range ra {
		if !reflect.DeepEqual(ra[i], rb[i]) {
			t.Fatalf("order-dependent merge at %d: %+v vs %+v", i, ra[i], rb[i])
		}
	}
}

func TestMergeConfidencesWithinBounds(t *testing.T) {
	cands := []MatchCandidate{
		{Entry: entry("A", "a", ""), Kind: MatchFuzzy, RawScore: 1.7}, // clamped
		{Entry: entry("B", "b", ""), Kind: MatchFuzzy, RawScore: -0.2},
	}
	for _, r := range Merge(cands, "", 10) {
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Errorf("%s confidence %v out of [0,1]", r.Code, r.Confidence)
		}
	}
}
