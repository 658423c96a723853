package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mgalindo/bookhub/internal/entity"
)

// guardMinRows is the table size above which an anomalously small snapshot
// suppresses the removal pass. Below this, wholesale replacement is cheap
// enough that a shrunken table is plausibly real.
const guardMinRows = 10

// UpsertResult reports what a bulk upsert did.
type UpsertResult struct {
	Inserted          int
	Updated           int
	Deleted           int
	SkippedTombstoned int
	// GuardTripped is set when the removal pass was skipped because the
	// incoming snapshot looked anomalously small. Not an error: the upsert
	// phase still ran.
	GuardTripped bool
}

// Total returns the number of rows the upsert phase applied.
func (r UpsertResult) Total() int {
	return r.Inserted + r.Updated
}

// existingRow is the pre-upsert state of one local row, loaded for matching
// and for the removal pass.
type existingRow struct {
	key   string
	ref   string
	dirty bool
}

// UpsertBulk applies a pulled snapshot to a table inside one transaction.
//
// Per incoming row: a tombstoned natural key is skipped entirely (a local
// delete is in flight); a row matched by remote reference, or failing that
// by natural key, is overwritten with the incoming values and marked clean
// (remote wins on field values, even over dirty rows); anything else is
// inserted clean.
//
// When removeMissing is set, a removal pass then deletes local rows that
// carry a remote reference, are clean, and were absent from the snapshot.
// Dirty rows and rows without a remote reference are exempt, so an unsynced
// local creation is never deleted by a pull that has not seen it yet. The
// guard can suppress the pass entirely; see UpsertResult.GuardTripped.
func (db *DB) UpsertBulk(spec entity.Spec, rows []entity.Row, removeMissing bool) (UpsertResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var res UpsertResult

	tx, err := db.conn.Begin()
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadExisting(tx, spec)
	if err != nil {
		return res, err
	}

	byRef := make(map[string]existingRow)
	byKey := make(map[string]existingRow)
	linkedCount := 0
	for _, ex := range existing {
		byKey[ex.key] = ex
		if ex.ref != "" {
			byRef[ex.ref] = ex
			linkedCount++
		}
	}

	tombs, err := tombstonedKeys(tx, spec.Table)
	if err != nil {
		return res, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	seenRefs := make(map[string]bool)
	seenKeys := make(map[string]bool)

	for _, row := range rows {
		key := spec.Key(row)
		if key == "" {
			continue
		}
		if tombs[key] {
			res.SkippedTombstoned++
			continue
		}

		ref := entity.RowRef(row)
		seenKeys[key] = true
		if ref != "" {
			seenRefs[ref] = true
		}

		if ex, ok := byRef[ref]; ref != "" && ok {
			if err := updateRow(tx, spec, row, spec.NaturalKey, ex.key, ref, now); err != nil {
				return res, err
			}
			// The remote may have renamed the record; the old key still
			// counts as present for the removal pass.
			seenKeys[ex.key] = true
			res.Updated++
		} else if _, ok := byKey[key]; ok {
			if err := updateRow(tx, spec, row, spec.NaturalKey, key, ref, now); err != nil {
				return res, err
			}
			res.Updated++
		} else {
			if err := insertRow(tx, spec, row, ref, now); err != nil {
				return res, err
			}
			res.Inserted++
		}
	}

	if removeMissing {
		if linkedCount > guardMinRows && len(rows) < linkedCount/2 {
			res.GuardTripped = true
		} else {
			for _, ex := range existing {
				if ex.ref == "" || ex.dirty {
					continue
				}
				if seenRefs[ex.ref] || seenKeys[ex.key] {
					continue
				}
				query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", spec.Table, spec.NaturalKey)
				if _, err := tx.Exec(query, ex.key); err != nil {
					return res, fmt.Errorf("failed to delete stale %s row %q: %w", spec.Table, ex.key, err)
				}
				res.Deleted++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return res, nil
}

// loadExisting loads the matching state of every row currently in a table.
func loadExisting(tx *sql.Tx, spec entity.Spec) ([]existingRow, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s",
		spec.NaturalKey, entity.FieldRowRef, entity.FieldDirty, spec.Table)

	sqlRows, err := tx.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing %s rows: %w", spec.Table, err)
	}
	defer sqlRows.Close()

	var existing []existingRow
	for sqlRows.Next() {
		var ex existingRow
		var ref sql.NullString
		var dirty int
		if err := sqlRows.Scan(&ex.key, &ref, &dirty); err != nil {
			return nil, fmt.Errorf("failed to scan existing row: %w", err)
		}
		ex.ref = ref.String
		ex.dirty = dirty == 1
		existing = append(existing, ex)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating existing rows: %w", err)
	}
	return existing, nil
}

// tombstonedKeys returns the set of tombstoned natural keys for a table.
func tombstonedKeys(q querier, table string) (map[string]bool, error) {
	rows, err := q.Query("SELECT record_key FROM tombstones WHERE table_name = ?", table)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return keys, nil
}

// updateRow overwrites a matched row with incoming values and marks it clean.
func updateRow(tx *sql.Tx, spec entity.Spec, row entity.Row, whereCol, whereVal, ref, now string) error {
	var setClauses []string
	var args []interface{}

	for _, c := range spec.Columns {
		setClauses = append(setClauses, c.Name+" = ?")
		args = append(args, columnValue(c, row))
	}
	setClauses = append(setClauses,
		entity.FieldRowRef+" = ?",
		entity.FieldDirty+" = 0",
		entity.FieldLastSynced+" = ?",
	)
	args = append(args, ref, now, whereVal)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		spec.Table, strings.Join(setClauses, ", "), whereCol)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update %s row %q: %w", spec.Table, whereVal, err)
	}
	return nil
}

// insertRow inserts an incoming row as a new clean record.
func insertRow(tx *sql.Tx, spec entity.Spec, row entity.Row, ref, now string) error {
	var cols []string
	var marks []string
	var args []interface{}

	for _, c := range spec.Columns {
		cols = append(cols, c.Name)
		marks = append(marks, "?")
		args = append(args, columnValue(c, row))
	}
	cols = append(cols, entity.FieldRowRef, entity.FieldDirty, entity.FieldLastSynced)
	marks = append(marks, "?", "0", "?")
	args = append(args, ref, now)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table, strings.Join(cols, ", "), strings.Join(marks, ", "))

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert %s row %q: %w", spec.Table, spec.Key(row), err)
	}
	return nil
}

// columnValue converts a Row value to its SQL representation for a column.
func columnValue(c entity.Column, row entity.Row) interface{} {
	v := row[c.Name]
	switch c.Kind {
	case entity.KindInt:
		return entity.AsInt(v)
	case entity.KindBool:
		if entity.AsBool(v) {
			return 1
		}
		return 0
	case entity.KindReal:
		switch t := v.(type) {
		case float64:
			return t
		case int64:
			return float64(t)
		default:
			return 0.0
		}
	default:
		return entity.AsString(v)
	}
}
