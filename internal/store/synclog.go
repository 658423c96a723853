package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sync log directions.
const (
	DirectionPull = "pull"
	DirectionPush = "push"
)

// Sync log statuses. StatusGuard records a protective no-op, not a failure.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusGuard = "guard"
)

// SyncLogEntry is one append-only record of a pull or push attempt for one
// table. Entries are never mutated.
type SyncLogEntry struct {
	Table           string
	Direction       string
	RecordsAffected int
	Status          string
	Error           string
	Timestamp       time.Time
}

// AppendSyncLog appends one entry to the sync log. A zero Timestamp is
// stamped with the current time.
func (db *DB) AppendSyncLog(e SyncLogEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := db.conn.Exec(
		"INSERT INTO sync_log (table_name, direction, records_affected, status, error, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		e.Table, e.Direction, e.RecordsAffected, e.Status,
		sql.NullString{String: e.Error, Valid: e.Error != ""},
		ts.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// LastSuccessfulSync returns the timestamp of the last successful sync for a
// table, or the zero time if it has never synced.
func (db *DB) LastSuccessfulSync(table string) (time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var ts sql.NullString
	err := db.conn.QueryRow(
		"SELECT MAX(timestamp) FROM sync_log WHERE table_name = ? AND status = ?",
		table, StatusOK).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync: %w", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse sync timestamp: %w", err)
	}
	return t, nil
}

// LastSuccessfulSyncAll returns the last successful sync timestamp per table.
// Tables that never synced are absent from the map.
func (db *DB) LastSuccessfulSyncAll() (map[string]time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT table_name, MAX(timestamp) FROM sync_log WHERE status = ? GROUP BY table_name",
		StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to query last syncs: %w", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var table string
		var ts sql.NullString
		if err := rows.Scan(&table, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan last sync: %w", err)
		}
		if !ts.Valid {
			continue
		}
		t, err := time.Parse(time.RFC3339, ts.String)
		if err != nil {
			continue
		}
		result[table] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating last syncs: %w", err)
	}
	return result, nil
}

// RecentSyncLog returns the newest entries, most recent first.
func (db *DB) RecentSyncLog(limit int) ([]SyncLogEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT table_name, direction, records_affected, status, error, timestamp FROM sync_log ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var result []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var errMsg sql.NullString
		var ts string
		if err := rows.Scan(&e.Table, &e.Direction, &e.RecordsAffected, &e.Status, &errMsg, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		e.Error = errMsg.String
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}
	return result, nil
}
