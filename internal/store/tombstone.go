package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Tombstone records that a natural key was deleted locally. Until cleared or
// purged, a pull never re-creates the key.
type Tombstone struct {
	Table     string
	Key       string
	DeletedAt time.Time
	Synced    bool
}

// RegisterTombstone records a local delete for a natural key.
func (db *DB) RegisterTombstone(table, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO tombstones (table_name, record_key, deleted_at, synced) VALUES (?, ?, ?, 0)",
		table, key, now)
	if err != nil {
		return fmt.Errorf("failed to register tombstone: %w", err)
	}
	return nil
}

// IsTombstoned reports whether a natural key has a pending local delete.
func (db *DB) IsTombstoned(table, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var one int
	err := db.conn.QueryRow(
		"SELECT 1 FROM tombstones WHERE table_name = ? AND record_key = ?",
		table, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query tombstone: %w", err)
	}
	return true, nil
}

// Tombstones retrieves all tombstones for a table, oldest first.
func (db *DB) Tombstones(table string) ([]Tombstone, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT table_name, record_key, deleted_at, synced FROM tombstones WHERE table_name = ? ORDER BY deleted_at ASC",
		table)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var result []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		var synced int
		if err := rows.Scan(&t.Table, &t.Key, &deletedAt, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		t.DeletedAt, _ = time.Parse(time.RFC3339, deletedAt)
		t.Synced = synced == 1
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return result, nil
}

// MarkTombstoneSynced records that the delete has been pushed to the remote
// (but not yet confirmed gone from a pull).
func (db *DB) MarkTombstoneSynced(table, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		"UPDATE tombstones SET synced = 1 WHERE table_name = ? AND record_key = ?",
		table, key)
	if err != nil {
		return fmt.Errorf("failed to mark tombstone synced: %w", err)
	}
	return nil
}

// ClearTombstone removes a tombstone once the remote delete is confirmed.
func (db *DB) ClearTombstone(table, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		"DELETE FROM tombstones WHERE table_name = ? AND record_key = ?",
		table, key)
	if err != nil {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}
	return nil
}

// PurgeTombstones deletes tombstones older than maxAge and returns how many
// were purged. This is the safety valve against an unconfirmed remote
// delete: a purged key can be silently resurrected by a later pull, which is
// accepted over permanently blacklisting the key.
func (db *DB) PurgeTombstones(maxAge time.Duration) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	result, err := db.conn.Exec("DELETE FROM tombstones WHERE deleted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(purged), nil
}
