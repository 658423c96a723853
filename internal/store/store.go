// Package store provides the SQLite-backed local cache for replicated
// business data, with change tracking, a tombstone registry and an
// append-only sync log.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mgalindo/bookhub/internal/entity"
)

// DB represents the local cache database. All access is serialized through
// one coarse lock: individual operations are fast and the bottleneck is the
// network, not local I/O.
type DB struct {
	path  string
	mu    sync.Mutex
	conn  *sql.DB
	specs []entity.Spec
}

// Open creates or opens the cache database at the given path and initializes
// the schema for the given entity specs.
func Open(path string, specs []entity.Spec) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite.
	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors under concurrent access.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		path:  path,
		conn:  conn,
		specs: specs,
	}

	if err := db.createSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Exec runs an arbitrary statement under the store lock.
func (db *DB) Exec(query string, args ...interface{}) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// FetchAll retrieves all rows of a replicated table, ordered by natural key.
func (db *DB) FetchAll(spec entity.Spec) ([]entity.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fetchAll(db.conn, spec)
}

// FetchOne retrieves one row by natural key, or nil if absent.
func (db *DB) FetchOne(spec entity.Spec, key string) (entity.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		selectColumns(spec), spec.Table, spec.NaturalKey)

	row := db.conn.QueryRow(query, key)
	r, err := scanRow(spec, row)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NaturalKeys returns the set of natural keys currently present for a table.
// The sync engine snapshots this before a pull to diff out new records.
func (db *DB) NaturalKeys(spec entity.Spec) (map[string]bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query := fmt.Sprintf("SELECT %s FROM %s", spec.NaturalKey, spec.Table)
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys for %s: %w", spec.Table, err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// fetchAll loads every row of a table. Callers hold the store lock.
func fetchAll(q querier, spec entity.Spec) ([]entity.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		selectColumns(spec), spec.Table, spec.NaturalKey)

	rows, err := q.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec.Table, err)
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
		return nil, fmt.Errorf("error iterating %s rows: %w", spec.Table, err)
	}
	return result, nil
}

// selectColumns returns the SELECT column list for a spec: the bookkeeping
// columns followed by the domain columns in schema order.
func selectColumns(spec entity.Spec) string {
	cols := entity.FieldRowRef + ", " + entity.FieldDirty + ", " + entity.FieldLastSynced
	for _, c := range spec.Columns {
		cols += ", " + c.Name
	}
	return cols
}

// scanRow scans one result row into an entity.Row, handling NULLs and
// converting per the spec's column kinds.
func scanRow(spec entity.Spec, s scanner) (entity.Row, error) {
	var rowRef, lastSynced sql.NullString
	var dirty int

	dest := []interface{}{&rowRef, &dirty, &lastSynced}
	holders := make([]interface{}, len(spec.Columns))
	for i, c := range spec.Columns {
		switch c.Kind {
		case entity.KindInt, entity.KindBool:
			holders[i] = new(sql.NullInt64)
		case entity.KindReal:
			holders[i] = new(sql.NullFloat64)
		default:
			holders[i] = new(sql.NullString)
		}
		dest = append(dest, holders[i])
	}

	if err := s.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan %s row: %w", spec.Table, err)
	}

	r := entity.Row{
		entity.FieldRowRef:     rowRef.String,
		entity.FieldDirty:      dirty == 1,
		entity.FieldLastSynced: lastSynced.String,
	}
	for i, c := range spec.Columns {
		switch c.Kind {
		case entity.KindInt:
			r[c.Name] = holders[i].(*sql.NullInt64).Int64
		case entity.KindBool:
			r[c.Name] = holders[i].(*sql.NullInt64).Int64 != 0
		case entity.KindReal:
			r[c.Name] = holders[i].(*sql.NullFloat64).Float64
		default:
			r[c.Name] = holders[i].(*sql.NullString).String
		}
	}
	return r, nil
}
