package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinterm/termsearch/internal/domain/catalog"
	"github.com/clinterm/termsearch/internal/platform/breaker"
	"github.com/clinterm/termsearch/internal/platform/cache"
)

// =========== Fixtures ===========

var errStoreDown = errors.New("store down")

func testCatalog() catalog.Store {
	return catalog.NewMemStore([]*catalog.CodeEntry{
		{Code: "E10.9", Term: "Type 1 diabetes mellitus without complications", Chapter: "Endocrine", Active: true, ParentCode: "E10"},
		{Code: "E11.9", Term: "Type 2 diabetes mellitus without complications", Chapter: "Endocrine", Active: true, ParentCode: "E11"},
		{Code: "E11", Term: "Type 2 diabetes mellitus", Chapter: "Endocrine", Active: true},
		{Code: "E10", Term: "Type 1 diabetes mellitus", Chapter: "Endocrine", Active: true},
		{Code: "I10", Term: "Essential (primary) hypertension", Chapter: "Circulatory", Active: true},
		{Code: "J06.9", Term: "Acute upper respiratory infection, unspecified", Chapter: "Respiratory", Active: true},
		{Code: "R05", Term: "Cough", Chapter: "Symptoms", Active: true},
		{Code: "R50.9", Term: "Fever, unspecified", Chapter: "Symptoms", Active: true},
		{Code: "J11.1", Term: "Influenza with fever and cough manifestations", Chapter: "Respiratory", Active: true},
	})
}

// flakyStore fails selected operations to exercise degraded paths.
type flakyStore struct {
	catalog.Store
	failExact bool
	failTerm  bool
	failFuzzy bool
}

func (f *flakyStore) ByExactCode(ctx context.Context, code string) (*catalog.CodeEntry, error) {
	if f.failExact {
		return nil, errStoreDown
	}
	return f.Store.ByExactCode(ctx, code)
}

func (f *flakyStore) ByCodePrefix(ctx context.Context, prefix string, limit int) ([]*catalog.CodeEntry, error) {
	if f.failExact {
		return nil, errStoreDown
	}
	return f.Store.ByCodePrefix(ctx, prefix, limit)
}

func (f *flakyStore) ByTermPrefix(ctx context.Context, term string, limit int) ([]*catalog.CodeEntry, error) {
	if f.failTerm {
		return nil, errStoreDown
	}
	return f.Store.ByTermPrefix(ctx, term, limit)
}

func (f *flakyStore) ByFuzzyTerm(ctx context.Context, term string, threshold float64, limit int) ([]catalog.ScoredEntry, error) {
	if f.failFuzzy {
		return nil, errStoreDown
	}
	return f.Store.ByFuzzyTerm(ctx, term, threshold, limit)
}

// brokenCache fails every operation; searches must still succeed.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration, []string) error {
	return errCacheDown
}
func (brokenCache) InvalidateByTag(context.Context, string) (int, error) { return 0, errCacheDown }
func (brokenCache) InvalidatePattern(context.Context, string) (int, error) {
	return 0, errCacheDown
}

func testBreaker(name string) *breaker.Breaker {
	return breaker.New(breaker.Settings{Name: name, FailureThreshold: 100, RecoveryTimeout: time.Minute}, zerolog.Nop())
}

func newTestService(store catalog.Store, c cache.Cache) *Service {
	return NewService(store, c, testBreaker("catalog"), testBreaker("cache"), Options{}, zerolog.Nop())
}

// =========== Search ===========

func TestSearchExactCodeRanksFirst(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	resp, err := svc.Search(context.Background(), "E11.9", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	top := resp.Results[0]
	if top.Code != "E11.9" || top.Confidence != 1.0 || top.MatchKind != MatchExact {
		t.Fatalf("top = %+v, want exact E11.9 at 1.0", top)
	}
	if resp.Partial {
		t.Error("unexpected partial flag")
	}
}

func TestSearchDiabetesExample(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	resp, err := svc.Search(context.Background(), "diabetes", 2, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.Confidence <= 0.7 || r.Confidence > 0.9 {
			t.Errorf("%s confidence %v outside (0.7, 0.9]", r.Code, r.Confidence)
		}
	}
	// Equal confidence tie-breaks ascending by code.
	if resp.Results[0].Confidence == resp.Results[1].Confidence &&
		resp.Results[0].Code > resp.Results[1].Code {
		t.Error("tie-break by code violated")
	}
}

func TestSearchRankedInvariants(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	resp, err := svc.Search(context.Background(), "diabetes", 10, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	seen := map[string]bool{}
	for i, r := range resp.Results {
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Errorf("confidence %v out of [0,1]", r.Confidence)
		}
		if i > 0 && resp.Results[i-1].Confidence < r.Confidence {
			t.Error("confidences not non-increasing")
		}
		if seen[r.Code] {
			t.Errorf("duplicate code %s", r.Code)
		}
		seen[r.Code] = true
	}
}

func TestSearchDeterminism(t *testing.T) {
	// Bypass the cache so every call recomputes from the store.
	svc := newTestService(testCatalog(), nil)
	first, err := svc.Search(context.Background(), "diabetes", 10, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := svc.Search(context.Background(), "diabetes", 10, "")
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(again.Results) != len(first.Results) {
			t.Fatal("result count changed between identical queries")
		}
		for j := range first.Results {
			if first.Results[j].Code != again.Results[j].Code ||
				first.Results[j].Confidence != again.Results[j].Confidence {
				t.Fatalf("nondeterministic ordering at %d", j)
			}
		}
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	if _, err := svc.Search(context.Background(), "   ", 5, ""); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("got %v, want ErrInvalidQuery", err)
	}
}

func TestSearchChapterFilter(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	resp, err := svc.Search(context.Background(), "diabetes", 10, "Respiratory")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range resp.Results {
		if r.Chapter != "Respiratory" {
			t.Errorf("chapter filter leaked %s (%s)", r.Code, r.Chapter)
		}
	}
}

// =========== Cache behavior ===========

func TestSearchCacheHitAndInvalidateByTag(t *testing.T) {
	mem := cache.NewMemory()
	svc := newTestService(testCatalog(), mem)
	ctx := context.Background()

	first, err := svc.Search(ctx, "diabetes", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if first.CacheStatus != "miss" {
		t.Fatalf("first status = %s, want miss", first.CacheStatus)
	}

	second, err := svc.Search(ctx, "diabetes", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if second.CacheStatus != "hit" {
		t.Fatalf("second status = %s, want hit", second.CacheStatus)
	}

	n, err := svc.InvalidateCatalog(ctx)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n == 0 {
		t.Fatal("expected invalidated entries")
	}

	third, err := svc.Search(ctx, "diabetes", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if third.CacheStatus != "miss" {
		t.Fatalf("post-invalidation status = %s, want miss", third.CacheStatus)
	}
}

func TestSearchDistinctKeysPerLimitAndFilter(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	ctx := context.Background()

	svc.Search(ctx, "diabetes", 2, "")
	resp, err := svc.Search(ctx, "diabetes", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.CacheStatus != "miss" {
		t.Error("different limit must not share a cache entry")
	}
	resp, _ = svc.Search(ctx, "diabetes", 5, "Endocrine")
	if resp.CacheStatus != "miss" {
		t.Error("different chapter filter must not share a cache entry")
	}
}

func TestBrokenCacheNeverFailsSearch(t *testing.T) {
	svc := newTestService(testCatalog(), brokenCache{})
	resp, err := svc.Search(context.Background(), "diabetes", 5, "")
	if err != nil {
		t.Fatalf("search with broken cache: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected computed results despite broken cache")
	}
}

// =========== Degradation ===========

func TestSearchPartialWhenOneStrategyFails(t *testing.T) {
	store := &flakyStore{Store: testCatalog(), failFuzzy: true}
	svc := newTestService(store, nil)
	resp, err := svc.Search(context.Background(), "diabetes", 10, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !resp.Partial {
		t.Fatal("expected partial flag when fuzzy strategy fails")
	}
	if len(resp.Results) == 0 {
		t.Fatal("surviving strategies should still produce results")
	}
}

func TestSearchUnavailableWhenAllStrategiesFail(t *testing.T) {
	store := &flakyStore{Store: testCatalog(), failExact: true, failTerm: true, failFuzzy: true}
	svc := newTestService(store, nil)
	if _, err := svc.Search(context.Background(), "diabetes", 10, ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestSearchBreakerOpenShortCircuits(t *testing.T) {
	store := &flakyStore{Store: testCatalog(), failExact: true, failTerm: true, failFuzzy: true}
	catalogBrk := breaker.New(breaker.Settings{Name: "catalog", FailureThreshold: 3, RecoveryTimeout: time.Minute}, zerolog.Nop())
	svc := NewService(store, nil, catalogBrk, testBreaker("cache"), Options{}, zerolog.Nop())
	ctx := context.Background()

	// One search burns three strategy calls, tripping the breaker.
	svc.Search(ctx, "diabetes", 10, "")
	if catalogBrk.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", catalogBrk.State())
	}

	// Heal the store; calls must still short-circuit while Open.
	store.failExact, store.failTerm, store.failFuzzy = false, false, false
	if _, err := svc.Search(ctx, "diabetes", 10, ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable from open breaker", err)
	}
}

// =========== Batch / details ===========

func TestBatchLookupKeyedByRequestedSpelling(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	got, err := svc.BatchLookup(context.Background(), []string{"e11.9"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	e, ok := got["e11.9"]
	if !ok || e == nil {
		t.Fatalf("result not keyed by requested spelling: %v", got)
	}
	if e.Code != "E11.9" {
		t.Errorf("entry code = %q, want canonical E11.9", e.Code)
	}
}

func TestAutocomplete(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())

	resp, err := svc.Autocomplete(context.Background(), "diab", 10)
	if err != nil {
		t.Fatalf("autocomplete: %v", err)
	}
	if resp.TotalCount == 0 || resp.CacheStatus != "miss" {
		t.Fatalf("resp = %+v, want fresh suggestions", resp)
	}
	for _, e := range resp.Suggestions {
		if !strings.Contains(strings.ToLower(e.Term), "diab") {
			t.Errorf("suggestion %q does not complete the fragment", e.Term)
		}
	}

	again, err := svc.Autocomplete(context.Background(), "diab", 10)
	if err != nil {
		t.Fatalf("autocomplete (cached): %v", err)
	}
	if again.CacheStatus != "hit" {
		t.Errorf("cache status = %q, want hit", again.CacheStatus)
	}
	if again.TotalCount != resp.TotalCount {
		t.Errorf("cached count = %d, want %d", again.TotalCount, resp.TotalCount)
	}

	if _, err := svc.Autocomplete(context.Background(), "  ", 10); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("got %v, want ErrInvalidQuery for blank fragment", err)
	}
}

func TestBatchLookup(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	got, err := svc.BatchLookup(context.Background(), []string{"E11.9", "I10", "NOPE"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if _, err := svc.BatchLookup(context.Background(), nil); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("got %v, want ErrInvalidQuery for empty batch", err)
	}
}

func TestCodeDetails(t *testing.T) {
	svc := newTestService(testCatalog(), cache.NewMemory())
	h, err := svc.CodeDetails(context.Background(), "E11.9")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if h.Parent == nil || h.Parent.Code != "E11" {
		t.Error("expected parent E11")
	}
	if _, err := svc.CodeDetails(context.Background(), "NOPE"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	catalogBrk := breaker.New(breaker.Settings{Name: "catalog", FailureThreshold: 2, RecoveryTimeout: time.Minute}, zerolog.Nop())
	svc := NewService(testCatalog(), nil, catalogBrk, testBreaker("cache"), Options{}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		svc.CodeDetails(context.Background(), "NOPE")
	}
	if catalogBrk.State() != breaker.StateClosed {
		t.Fatalf("negative lookups tripped the breaker: %v", catalogBrk.State())
	}
}
