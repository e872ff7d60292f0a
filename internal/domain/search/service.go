package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinterm/termsearch/internal/domain/catalog"
	"github.com/clinterm/termsearch/internal/platform/breaker"
	"github.com/clinterm/termsearch/internal/platform/cache"
)

const (
	keyPrefix = "termsearch:v1"

	// catalogTag is attached to every cached result so a catalog refresh can
	// drop the whole derived cache in one invalidation.
	catalogTag = "catalog"

	defaultLimit      = 10
	clinicalTermLimit = 5
)

// Options tunes a Service. Zero values fall back to sane defaults.
type Options struct {
	CacheTTL       time.Duration
	MaxLimit       int
	FuzzyThreshold float64
}

// Service owns the search pipeline: result cache in front, the
// multi-strategy matcher and merger behind it, a breaker per dependency.
// It is safe for concurrent use; the breakers hold the only cross-request
// mutable state.
type Service struct {
	store      catalog.Store
	cache      cache.Cache
	catalogBrk *breaker.Breaker
	cacheBrk   *breaker.Breaker
	matcher    *Matcher
	logger     zerolog.Logger

	ttl          time.Duration
	maxLimit     int
	fuzzyDefault float64
}

// NewService wires a Service. cache may be nil, in which case every query
// computes from the store.
func NewService(store catalog.Store, c cache.Cache, catalogBrk, cacheBrk *breaker.Breaker, opts Options, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.3
	}
	return &Service{
		store:        store,
		cache:        c,
		catalogBrk:   catalogBrk,
		cacheBrk:     cacheBrk,
		matcher:      NewMatcher(store, catalogBrk, logger),
		logger:       logger,
		ttl:          opts.CacheTTL,
		maxLimit:     opts.MaxLimit,
		fuzzyDefault: opts.FuzzyThreshold,
	}
}

// Search answers one free-text query with a ranked result list. Results are
// cached under a deterministic key; a broken cache degrades to
// always-compute and is never surfaced to the caller.
func (s *Service) Search(ctx context.Context, raw string, limit int, chapter string) (*Response, error) {
	start := time.Now()

	normalized := Normalize(raw)
	if normalized == "" {
		return nil, fmt.Errorf("%w: query text is required", ErrInvalidQuery)
	}
	limit = s.clampLimit(limit)

	q := Query{
		Raw:            raw,
		Normalized:     normalized,
		Limit:          limit,
		Chapter:        chapter,
		FuzzyThreshold: s.fuzzyDefault,
	}

	key := s.searchKey(q)
	if cached, ok := s.cacheGet(ctx, key); ok {
		cached.QueryTimeMs = elapsedMs(start)
		cached.CacheStatus = "hit"
		return cached, nil
	}

	resp, tags, err := s.compute(ctx, q)
	if err != nil {
		return nil, err
	}
	resp.QueryTimeMs = elapsedMs(start)
	resp.CacheStatus = "miss"

	// Partial results are a degraded snapshot; caching them would keep
	// serving the degraded view long after the dependency recovered.
	if !resp.Partial {
		s.cacheSet(ctx, key, resp, tags)
	}
	return resp, nil
}

// compute runs the uncached pipeline: matcher fan-out, then the pure merge.
func (s *Service) compute(ctx context.Context, q Query) (*Response, []string, error) {
	set, err := s.matcher.Match(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	results := Merge(set.Candidates, q.Chapter, q.Limit)

	tagSeen := map[string]struct{}{}
	tags := []string{catalogTag}
	for _, r := range results {
		if r.Chapter == "" {
			continue
		}
		tag := strings.ToLower(r.Chapter)
		if _, ok := tagSeen[tag]; !ok {
			tagSeen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}

	return &Response{
		Results:    results,
		TotalCount: len(results),
		Partial:    set.Partial(),
	}, tags, nil
}

// Autocomplete completes a typed fragment against indexed terms. It is a
// shortcut past the full pipeline: term-prefix strategy only, cached under
// its own key.
func (s *Service) Autocomplete(ctx context.Context, raw string, limit int) (*AutocompleteResponse, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil, fmt.Errorf("%w: query text is required", ErrInvalidQuery)
	}
	limit = s.clampLimit(limit)

	key := fmt.Sprintf("%s:auto:%s", keyPrefix, hashKey(fmt.Sprintf("%s|%d", normalized, limit)))
	if raw, ok := s.rawCacheGet(ctx, key); ok {
		var resp AutocompleteResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			resp.CacheStatus = "hit"
			return &resp, nil
		}
	}

	var entries []*catalog.CodeEntry
	err := s.catalogBrk.Do(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.store.ByTermPrefix(ctx, normalized, limit)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("%w: catalog store circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp := &AutocompleteResponse{
		Suggestions: entries,
		TotalCount:  len(entries),
		CacheStatus: "miss",
	}

	tags := []string{catalogTag}
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.Chapter == "" {
			continue
		}
		tag := strings.ToLower(e.Chapter)
		if _, ok := seen[tag]; !ok {
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	if raw, err := json.Marshal(resp); err == nil {
		s.rawCacheSet(ctx, key, raw, tags)
	}
	return resp, nil
}

// BatchLookup resolves many codes in one round trip through the catalog
// breaker. Unknown codes are absent from the map rather than errors.
func (s *Service) BatchLookup(ctx context.Context, codes []string) (map[string]*catalog.CodeEntry, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: at least one code is required", ErrInvalidQuery)
	}
	var out map[string]*catalog.CodeEntry
	err := s.catalogBrk.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.BatchByCode(ctx, codes)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("%w: catalog store circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// CodeDetails returns one code with its hierarchical context.
func (s *Service) CodeDetails(ctx context.Context, code string) (*catalog.Hierarchy, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidQuery)
	}

	key := fmt.Sprintf("%s:details:%s", keyPrefix, hashKey(strings.ToUpper(code)))
	if raw, ok := s.rawCacheGet(ctx, key); ok {
		var h catalog.Hierarchy
		if err := json.Unmarshal(raw, &h); err == nil {
			return &h, nil
		}
	}

	var h *catalog.Hierarchy
	err := s.catalogBrk.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = s.store.Hierarchy(ctx, code)
		if errors.Is(err, catalog.ErrNotFound) {
			// Negative lookups must not count against the breaker.
			h = nil
			return nil
		}
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("%w: catalog store circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if h == nil {
		return nil, catalog.ErrNotFound
	}

	tags := []string{catalogTag}
	if h.Entry.Chapter != "" {
		tags = append(tags, strings.ToLower(h.Entry.Chapter))
	}
	if raw, err := json.Marshal(h); err == nil {
		s.rawCacheSet(ctx, key, raw, tags)
	}
	return h, nil
}

// InvalidateCatalog drops every cached result derived from the catalog.
// Called after an out-of-band catalog refresh.
func (s *Service) InvalidateCatalog(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	var n int
	err := s.cacheBrk.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.cache.InvalidateByTag(ctx, catalogTag)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate catalog cache: %w", err)
	}
	s.logger.Info().Int("entries", n).Msg("catalog cache invalidated")
	return n, nil
}

// InvalidateChapter drops cached results that surfaced codes from one
// chapter, e.g. after a partial catalog correction.
func (s *Service) InvalidateChapter(ctx context.Context, chapter string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	var n int
	err := s.cacheBrk.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.cache.InvalidateByTag(ctx, strings.ToLower(chapter))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate chapter cache: %w", err)
	}
	return n, nil
}

// DependencyState reports the breaker positions for health endpoints.
type DependencyState struct {
	Catalog string `json:"catalog"`
	Cache   string `json:"cache"`
}

// Health returns the current breaker states.
func (s *Service) Health() DependencyState {
	return DependencyState{
		Catalog: s.catalogBrk.State().String(),
		Cache:   s.cacheBrk.State().String(),
	}
}

// ---------------------------------------------------------------------------
// cache plumbing
// ---------------------------------------------------------------------------

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

func (s *Service) searchKey(q Query) string {
	sig := fmt.Sprintf("%s|%d|%s|%.2f", q.Normalized, q.Limit, strings.ToLower(q.Chapter), q.FuzzyThreshold)
	return fmt.Sprintf("%s:search:%s", keyPrefix, hashKey(sig))
}

func hashKey(sig string) string {
	sum := sha1.Sum([]byte(sig))
	return hex.EncodeToString(sum[:])
}

// cacheGet reads a cached Response. Misses, breaker-open and cache errors
// all come back as a plain "not ok": cache trouble never fails a search.
func (s *Service) cacheGet(ctx context.Context, key string) (*Response, bool) {
	raw, ok := s.rawCacheGet(ctx, key)
	if !ok {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("corrupt cache entry, recomputing")
		return nil, false
	}
	return &resp, true
}

func (s *Service) rawCacheGet(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	var raw []byte
	err := s.cacheBrk.Do(ctx, func(ctx context.Context) error {
		val, err := s.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			// A miss is a normal outcome, not a cache failure.
			return nil
		}
		if err != nil {
			return err
		}
		raw = val
		return nil
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			s.logger.Warn().Err(err).Msg("cache get failed, degrading to compute")
		}
		return nil, false
	}
	return raw, raw != nil
}

func (s *Service) cacheSet(ctx context.Context, key string, resp *Response, tags []string) {
	// Cached copies never claim a hit or carry stale timings.
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

func (s *Service) rawCacheSet(ctx context.Context, key string, raw []byte, tags []string) {
	if s.cache == nil {
		return
	}
	err := s.cacheBrk.Do(ctx, func(ctx context.Context) error {
		return s.cache.Set(ctx, key, raw, s.ttl, tags)
	})
	if err != nil && !errors.Is(err, breaker.ErrOpen) {
		s.logger.Warn().Err(err).Msg("cache set failed, result served uncached")
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
