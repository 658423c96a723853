package store

import (
	"fmt"
	"strings"

	"github.com/mgalindo/bookhub/internal/entity"
)

// createTombstonesSQL defines the registry of locally deleted natural keys.
const createTombstonesSQL = `
CREATE TABLE IF NOT EXISTS tombstones (
    table_name TEXT NOT NULL,
    record_key TEXT NOT NULL,
    deleted_at TEXT NOT NULL,
    synced INTEGER DEFAULT 0,
    PRIMARY KEY (table_name, record_key)
);
`

// createSyncLogSQL defines the append-only sync log.
const createSyncLogSQL = `
CREATE TABLE IF NOT EXISTS sync_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    direction TEXT NOT NULL,
    records_affected INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    timestamp TEXT NOT NULL
);
`

// createSearchIndexSQL defines the full-text index rebuilt after each pull.
const createSearchIndexSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
    table_name UNINDEXED,
    record_key UNINDEXED,
    content
);
`

// createSchema creates the entity tables and supporting tables.
func (db *DB) createSchema() error {
	for _, spec := range db.specs {
		if _, err := db.conn.Exec(entityTableSQL(spec)); err != nil {
			return fmt.Errorf("failed to create %s table: %w", spec.Table, err)
		}
	}

	for _, ddl := range []string{createTombstonesSQL, createSyncLogSQL, createSearchIndexSQL} {
		if _, err := db.conn.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create supporting table: %w", err)
		}
	}

	return nil
}

// entityTableSQL builds the DDL for one replicated table: the domain columns
// from the spec plus the bookkeeping columns every replicated row carries.
func entityTableSQL(spec entity.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", spec.Table)
	b.WriteString("    id INTEGER PRIMARY KEY AUTOINCREMENT,\n")

	for _, c := range spec.Columns {
		fmt.Fprintf(&b, "    %s %s,\n", c.Name, sqlType(c.Kind))
	}

	fmt.Fprintf(&b, "    %s TEXT DEFAULT '',\n", entity.FieldRowRef)
	fmt.Fprintf(&b, "    %s INTEGER DEFAULT 0,\n", entity.FieldDirty)
	fmt.Fprintf(&b, "    %s TEXT,\n", entity.FieldLastSynced)
	fmt.Fprintf(&b, "    UNIQUE(%s)\n", spec.NaturalKey)
	b.WriteString(");")
	return b.String()
}

func sqlType(k entity.Kind) string {
	switch k {
	case entity.KindInt, entity.KindBool:
		return "INTEGER"
	case entity.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}
