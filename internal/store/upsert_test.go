package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mgalindo/bookhub/internal/entity"
)

// testDB creates a fresh cache database with the full entity schema.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), entity.Specs())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// clientRow builds a minimal clients row for tests.
func clientRow(name, ref string) entity.Row {
	return entity.Row{
		entity.FieldRowRef:      ref,
		"name":                  name,
		"phone":                 "0400 000 000",
		"status":                "active",
		"visit_weekday":         int64(1),
		"visit_frequency_weeks": int64(1),
		"visit_time":            "09:00",
	}
}

func TestUpsertBulkInsertsClean(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	res, err := db.UpsertBulk(spec, []entity.Row{
		clientRow("Acme Plumbing", "1"),
		clientRow("Harbour Cafe", "2"),
	}, true)
	if err != nil {
		t.Fatalf("UpsertBulk failed: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	rows, err := db.FetchAll(spec)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if entity.AsBool(row[entity.FieldDirty]) {
			t.Errorf("pulled row %q should be clean", spec.Key(row))
		}
		if entity.AsString(row[entity.FieldLastSynced]) == "" {
			t.Errorf("pulled row %q missing last_synced", spec.Key(row))
		}
	}
}

func TestUpsertBulkRemoteWinsOnMatchedRef(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	if _, err := db.UpsertBulk(spec, []entity.Row{clientRow("Acme Plumbing", "1")}, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	// Local edit makes the row dirty.
	if err := db.MarkDirty(spec, "Acme Plumbing", entity.Row{"phone": "0499 999 999"}); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}

	// Remote snapshot carries different field values for the same ref.
	updated := clientRow("Acme Plumbing", "1")
	updated["phone"] = "0400 111 222"
	res, err := db.UpsertBulk(spec, []entity.Row{updated}, true)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected 1 update, got %+v", res)
	}

	row, err := db.FetchOne(spec, "Acme Plumbing")
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	// Remote wins on field values even over a dirty row, and the row comes
	// back clean.
	if got := entity.AsString(row["phone"]); got != "0400 111 222" {
		t.Errorf("phone = %q, want remote value", got)
	}
	if entity.AsBool(row[entity.FieldDirty]) {
		t.Error("matched row should be clean after pull")
	}
}

func TestUpsertBulkAdoptsRefByNaturalKey(t *testing.T) {
	db := testDB(t)
	spec := entity.Bookings()

	// A locally created booking with no remote reference yet.
	local := entity.Row{
		"booking_ref": "BK-local-1",
		"client_name": "Acme Plumbing",
		"date":        "2026-09-14",
		"time":        "10:00",
	}
	if err := db.InsertLocal(spec, local); err != nil {
		t.Fatalf("InsertLocal failed: %v", err)
	}
	if err := db.MarkSynced(spec, []string{"BK-local-1"}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	// The remote has now seen it and assigned a row reference.
	pulled := entity.Row{
		entity.FieldRowRef: "42",
		"booking_ref":      "BK-local-1",
		"client_name":      "Acme Plumbing",
		"date":             "2026-09-14",
		"time":             "10:00",
	}
	res, err := db.UpsertBulk(spec, []entity.Row{pulled}, true)
	if err != nil {
		t.Fatalf("UpsertBulk failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Errorf("expected natural-key match, got %+v", res)
	}

	row, err := db.FetchOne(spec, "BK-local-1")
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if got := entity.RowRef(row); got != "42" {
		t.Errorf("row_ref = %q, want 42", got)
	}
}

func TestUpsertBulkSkipsTombstonedKeys(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	if _, err := db.UpsertBulk(spec, []entity.Row{clientRow("Acme Plumbing", "1")}, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}
	if err := db.DeleteLocal(spec, "Acme Plumbing"); err != nil {
		t.Fatalf("DeleteLocal failed: %v", err)
	}

	// A snapshot containing the tombstoned key must leave it absent.
	res, err := db.UpsertBulk(spec, []entity.Row{clientRow("Acme Plumbing", "1")}, true)
	if err != nil {
		t.Fatalf("UpsertBulk failed: %v", err)
	}
	if res.SkippedTombstoned != 1 {
		t.Errorf("SkippedTombstoned = %d, want 1", res.SkippedTombstoned)
	}

	row, err := db.FetchOne(spec, "Acme Plumbing")
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if row != nil {
		t.Error("tombstoned key must not be re-created by a pull")
	}
}

func TestUpsertBulkRemovalPassSparesDirtyLocalRows(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	if _, err := db.UpsertBulk(spec, []entity.Row{
		clientRow("Acme Plumbing", "1"),
		clientRow("Harbour Cafe", "2"),
	}, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	// A dirty, ref-less local creation must survive any removal pass.
	if err := db.InsertLocal(spec, clientRow("New Local Client", "")); err != nil {
		t.Fatalf("InsertLocal failed: %v", err)
	}

	// Snapshot no longer contains Harbour Cafe.
	res, err := db.UpsertBulk(spec, []entity.Row{clientRow("Acme Plumbing", "1")}, true)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}

	if row, _ := db.FetchOne(spec, "Harbour Cafe"); row != nil {
		t.Error("stale remote-linked row should be deleted")
	}
	if row, _ := db.FetchOne(spec, "New Local Client"); row == nil {
		t.Error("dirty local creation must not be deleted by the removal pass")
	}
}

func TestUpsertBulkRemovalPassSkippedWithoutFlag(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	if _, err := db.UpsertBulk(spec, []entity.Row{
		clientRow("Acme Plumbing", "1"),
		clientRow("Harbour Cafe", "2"),
	}, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	res, err := db.UpsertBulk(spec, []entity.Row{clientRow("Acme Plumbing", "1")}, false)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 with removeMissing=false", res.Deleted)
	}
	if row, _ := db.FetchOne(spec, "Harbour Cafe"); row == nil {
		t.Error("row should survive when removal pass is disabled")
	}
}

func TestUpsertBulkGuardTripsOnShrunkenSnapshot(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	// 20 existing remote-linked rows.
	var initial []entity.Row
	for i := 0; i < 20; i++ {
		initial = append(initial, clientRow(fmt.Sprintf("Client %02d", i), fmt.Sprintf("%d", i+1)))
	}
	if _, err := db.UpsertBulk(spec, initial, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	// A snapshot of 5 rows must upsert those 5 but not delete the other 15.
	res, err := db.UpsertBulk(spec, initial[:5], true)
	if err != nil {
		t.Fatalf("shrunken upsert failed: %v", err)
	}
	if !res.GuardTripped {
		t.Error("guard should trip for 5 incoming vs 20 existing")
	}
	if res.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 when guard trips", res.Deleted)
	}
	if res.Updated != 5 {
		t.Errorf("Updated = %d, want 5 (upsert phase still runs)", res.Updated)
	}

	rows, err := db.FetchAll(spec)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(rows) != 20 {
		t.Errorf("expected all 20 rows to survive, got %d", len(rows))
	}
}

func TestUpsertBulkGuardNotTrippedOnSmallTable(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	// Below the guard threshold wholesale replacement is allowed.
	var initial []entity.Row
	for i := 0; i < 6; i++ {
		initial = append(initial, clientRow(fmt.Sprintf("Client %d", i), fmt.Sprintf("%d", i+1)))
	}
	if _, err := db.UpsertBulk(spec, initial, true); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	res, err := db.UpsertBulk(spec, initial[:2], true)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.GuardTripped {
		t.Error("guard should not trip below the minimum table size")
	}
	if res.Deleted != 4 {
		t.Errorf("Deleted = %d, want 4", res.Deleted)
	}
}

func TestUpsertBulkIdempotent(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	snapshot := []entity.Row{
		clientRow("Acme Plumbing", "1"),
		clientRow("Harbour Cafe", "2"),
	}

	if _, err := db.UpsertBulk(spec, snapshot, true); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	res, err := db.UpsertBulk(spec, snapshot, true)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if res.Inserted != 0 || res.Deleted != 0 {
		t.Errorf("re-applied snapshot should only update in place: %+v", res)
	}

	rows, err := db.FetchAll(spec)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows after idempotent re-apply, got %d", len(rows))
	}
	for _, row := range rows {
		if entity.AsBool(row[entity.FieldDirty]) {
			t.Errorf("row %q should remain clean", spec.Key(row))
		}
	}
}

func TestUpsertBulkSkipsRowsWithoutKey(t *testing.T) {
	db := testDB(t)
	spec := entity.Clients()

	res, err := db.UpsertBulk(spec, []entity.Row{
		clientRow("Acme Plumbing", "1"),
		{entity.FieldRowRef: "9", "phone": "0400"},
	}, true)
	if err != nil {
		t.Fatalf("UpsertBulk failed: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1 (keyless row skipped)", res.Inserted)
	}
}
