package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `code, term, COALESCE(description,''), COALESCE(chapter,''), active, COALESCE(parent_code,'')`

// pgStore is the Postgres Store adapter. Prefix strategies use ILIKE
// against btree/trgm indexes; the fuzzy strategy relies on the pg_trgm
// similarity() function (see migrations/0001_catalog.sql).
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Store backed by the catalog_codes table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func scanEntry(row pgx.Row) (*CodeEntry, error) {
	var e CodeEntry
	if err := row.Scan(&e.Code, &e.Term, &e.Description, &e.Chapter, &e.Active, &e.ParentCode); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*CodeEntry, error) {
	defer rows.Close()
	var entries []*CodeEntry
	for rows.Next() {
		var e CodeEntry
		if err := rows.Scan(&e.Code, &e.Term, &e.Description, &e.Chapter, &e.Active, &e.ParentCode); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *pgStore) ByExactCode(ctx context.Context, code string) (*CodeEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM catalog_codes WHERE UPPER(code) = UPPER($1)`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog exact lookup: %w", err)
	}
	return e, nil
}

func (s *pgStore) ByCodePrefix(ctx context.Context, prefix string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM catalog_codes
		 WHERE active AND code ILIKE $1 || '%'
		 ORDER BY code LIMIT $2`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog code prefix search: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog code prefix search: %w", err)
	}
	return entries, nil
}

func (s *pgStore) ByTermPrefix(ctx context.Context, term string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	// A word-boundary prefix match, so "diabetes" surfaces
	// "Type 2 diabetes mellitus" as well as terms starting with it.
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM catalog_codes
		 WHERE active AND (term ILIKE $1 || '%' OR term ILIKE '% ' || $1 || '%')
		 ORDER BY term, code LIMIT $2`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog term prefix search: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog term prefix search: %w", err)
	}
	return entries, nil
}

func (s *pgStore) ByFuzzyTerm(ctx context.Context, term string, threshold float64, limit int) ([]ScoredEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`, similarity(term, $1) AS score
		 FROM catalog_codes
		 WHERE active AND similarity(term, $1) > $2
		 ORDER BY score DESC, code LIMIT $3`, term, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog fuzzy search: %w", err)
	}
	defer rows.Close()

	var scored []ScoredEntry
	for rows.Next() {
		var e CodeEntry
		var score float64
		if err := rows.Scan(&e.Code, &e.Term, &e.Description, &e.Chapter, &e.Active, &e.ParentCode, &score); err != nil {
			return nil, fmt.Errorf("catalog fuzzy search: %w", err)
		}
		scored = append(scored, ScoredEntry{Entry: &e, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog fuzzy search: %w", err)
	}
	return scored, nil
}

func (s *pgStore) BatchByCode(ctx context.Context, codes []string) (map[string]*CodeEntry, error) {
	if len(codes) == 0 {
		return map[string]*CodeEntry{}, nil
	}
	upper := make([]string, len(codes))
	for i, c := range codes {
		upper[i] = strings.ToUpper(c)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM catalog_codes WHERE UPPER(code) = ANY($1)`, upper)
	if err != nil {
		return nil, fmt.Errorf("catalog batch lookup: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog batch lookup: %w", err)
	}
	byUpper := make(map[string]*CodeEntry, len(entries))
	for _, e := range entries {
		byUpper[strings.ToUpper(e.Code)] = e
	}
	// Same contract as the in-memory store: case-insensitive match, result
	// keyed by the requested spelling.
	out := make(map[string]*CodeEntry, len(codes))
	for _, c := range codes {
		if e, ok := byUpper[strings.ToUpper(c)]; ok {
			out[c] = e
		}
	}
	return out, nil
}

func (s *pgStore) Hierarchy(ctx context.Context, code string) (*Hierarchy, error) {
	entry, err := s.ByExactCode(ctx, code)
	if err != nil {
		return nil, err
	}
	h := &Hierarchy{Entry: entry}

	if entry.ParentCode != "" {
		parent, err := s.ByExactCode(ctx, entry.ParentCode)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		h.Parent = parent
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM catalog_codes WHERE active AND parent_code = $1
		 ORDER BY code LIMIT 20`, entry.Code)
	if err != nil {
		return nil, fmt.Errorf("catalog children: %w", err)
	}
	if h.Children, err = collectEntries(rows); err != nil {
		return nil, fmt.Errorf("catalog children: %w", err)
	}

	if entry.ParentCode != "" {
		rows, err := s.pool.Query(ctx,
			`SELECT `+entryColumns+`
			 FROM catalog_codes
			 WHERE active AND parent_code = $1 AND code <> $2
			 ORDER BY code LIMIT 10`, entry.ParentCode, entry.Code)
		if err != nil {
			return nil, fmt.Errorf("catalog siblings: %w", err)
		}
		if h.Siblings, err = collectEntries(rows); err != nil {
			return nil, fmt.Errorf("catalog siblings: %w", err)
		}
	}
	return h, nil
}
