package store

import (
	"fmt"
	"strings"

	"github.com/mgalindo/bookhub/internal/entity"
)

// SearchHit identifies one record matched by a full-text search.
type SearchHit struct {
	Table string
	Key   string
}

// RebuildSearchIndex repopulates the full-text index from the current local
// data. The sync engine calls this after each pull cycle so the index always
// derives from the freshest replicated rows.
func (db *DB) RebuildSearchIndex(specs []entity.Spec) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM search_index"); err != nil {
		return fmt.Errorf("failed to clear search index: %w", err)
	}

	for _, spec := range specs {
		rows, err := fetchAll(tx, spec)
		if err != nil {
			return err
		}
		for _, row := range rows {
			content := rowContent(spec, row)
			if content == "" {
				continue
			}
			_, err := tx.Exec(
				"INSERT INTO search_index (table_name, record_key, content) VALUES (?, ?, ?)",
				spec.Table, spec.Key(row), content)
			if err != nil {
				return fmt.Errorf("failed to index %s row: %w", spec.Table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Search matches a term against the full-text index.
func (db *DB) Search(term string) ([]SearchHit, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Quote the term so FTS5 treats it as a phrase, not query syntax.
	quoted := `"` + strings.ReplaceAll(term, `"`, `""`) + `"`

	rows, err := db.conn.Query(
		"SELECT table_name, record_key FROM search_index WHERE search_index MATCH ? ORDER BY rank",
		quoted)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Table, &h.Key); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search hits: %w", err)
	}
	return hits, nil
}

// rowContent concatenates a row's text column values for indexing.
func rowContent(spec entity.Spec, row entity.Row) string {
	var parts []string
	for _, c := range spec.Columns {
		if c.Kind != entity.KindText {
			continue
		}
		if v := entity.AsString(row[c.Name]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
