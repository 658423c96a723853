package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/mgalindo/bookhub/internal/entity"
)

// InsertLocal inserts a locally created row. It starts dirty with no remote
// reference; the next drain pass pushes it and a later pull adopts the
// remote's row reference.
func (db *DB) InsertLocal(spec entity.Spec, row entity.Row) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := spec.Key(row)
	if key == "" {
		return fmt.Errorf("cannot insert %s row without %s", spec.Table, spec.NaturalKey)
	}

	var cols []string
	var marks []string
	var args []interface{}
	for _, c := range spec.Columns {
		cols = append(cols, c.Name)
		marks = append(marks, "?")
		args = append(args, columnValue(c, row))
	}
	cols = append(cols, entity.FieldRowRef, entity.FieldDirty)
	marks = append(marks, "''", "1")

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table, strings.Join(cols, ", "), strings.Join(marks, ", "))

	if _, err := db.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert local %s row %q: %w", spec.Table, key, err)
	}
	return nil
}

// MarkDirty applies local edits to a row and flags it for push. Only the
// columns present in updates change.
func (db *DB) MarkDirty(spec entity.Spec, key string, updates entity.Row) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var setClauses []string
	var args []interface{}
	for _, c := range spec.Columns {
		if _, ok := updates[c.Name]; !ok {
			continue
		}
		setClauses = append(setClauses, c.Name+" = ?")
		args = append(args, columnValue(c, updates))
	}
	setClauses = append(setClauses, entity.FieldDirty+" = 1")
	args = append(args, key)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		spec.Table, strings.Join(setClauses, ", "), spec.NaturalKey)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark %s row dirty: %w", spec.Table, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no %s row found with %s=%s", spec.Table, spec.NaturalKey, key)
	}
	return nil
}

// DirtyRows retrieves all rows with unpushed local changes, ordered by
// natural key.
func (db *DB) DirtyRows(spec entity.Spec) ([]entity.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 1 ORDER BY %s ASC",
		selectColumns(spec), spec.Table, entity.FieldDirty, spec.NaturalKey)

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty %s rows: %w", spec.Table, err)
	}
	defer rows.Close()

	result := []entity.Row{}
	for rows.Next() {
		r, err := scanRow(spec, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dirty rows: %w", err)
	}
	return result, nil
}

// MarkSynced clears the dirty flag on the given rows after a successful push
// and stamps them with the push time.
func (db *DB) MarkSynced(spec entity.Spec, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf("UPDATE %s SET %s = 0, %s = ? WHERE %s = ?",
		spec.Table, entity.FieldDirty, entity.FieldLastSynced, spec.NaturalKey)

	for _, key := range keys {
		if _, err := db.conn.Exec(query, now, key); err != nil {
			return fmt.Errorf("failed to mark %s row %q synced: %w", spec.Table, key, err)
		}
	}
	return nil
}

// DeleteLocal deletes a row locally and registers a tombstone so the next
// pull cannot resurrect it while the remote delete is in flight.
func (db *DB) DeleteLocal(spec entity.Spec, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", spec.Table, spec.NaturalKey)
	if _, err := tx.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete %s row %q: %w", spec.Table, key, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO tombstones (table_name, record_key, deleted_at, synced) VALUES (?, ?, ?, 0)",
		spec.Table, key, now)
	if err != nil {
		return fmt.Errorf("failed to register tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
