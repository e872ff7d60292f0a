package catalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ParseCSV reads catalog entries from a CSV stream with a header row of
// code,term,description,chapter,active,parent_code. The description, chapter,
// active and parent_code columns are optional; active defaults to true.
func ParseCSV(r io.Reader) ([]*CodeEntry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["code"]; !ok {
		return nil, fmt.Errorf("csv header missing required column %q", "code")
	}
	if _, ok := col["term"]; !ok {
		return nil, fmt.Errorf("csv header missing required column %q", "term")
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entries []*CodeEntry
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		code := field(record, "code")
		term := field(record, "term")
		if code == "" || term == "" {
			return nil, fmt.Errorf("csv line %d: code and term are required", line)
		}

		active := true
		if raw := field(record, "active"); raw != "" {
			active, err = strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: invalid active value %q", line, raw)
			}
		}

		entries = append(entries, &CodeEntry{
			Code:        code,
			Term:        term,
			Description: field(record, "description"),
			Chapter:     field(record, "chapter"),
			Active:      active,
			ParentCode:  field(record, "parent_code"),
		})
	}
	return entries, nil
}

// Load replaces the catalog_codes table contents with the given entries
// inside a single transaction, using COPY for the bulk insert.
func Load(ctx context.Context, pool *pgxpool.Pool, entries []*CodeEntry) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE catalog_codes`); err != nil {
		return 0, fmt.Errorf("truncate catalog: %w", err)
	}

	rows := make([][]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = []interface{}{e.Code, e.Term, e.Description, e.Chapter, e.Active, e.ParentCode}
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"catalog_codes"},
		[]string{"code", "term", "description", "chapter", "active", "parent_code"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy catalog rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit catalog load: %w", err)
	}
	return n, nil
}
