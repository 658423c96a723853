package entity

import (
	"strings"
	"testing"
)

func TestSpecsReplicationOrder(t *testing.T) {
	specs := Specs()
	want := []string{"clients", "bookings", "schedule"}

	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i, s := range specs {
		if s.Table != want[i] {
			t.Errorf("specs[%d].Table = %q, want %q", i, s.Table, want[i])
		}
		if s.PullAction == "" || s.PushAction == "" {
			t.Errorf("spec %q missing pull/push action", s.Table)
		}
		if s.NaturalKey == "" {
			t.Errorf("spec %q missing natural key", s.Table)
		}
		if s.FromRemote == nil {
			t.Errorf("spec %q missing FromRemote", s.Table)
		}
	}
}

func TestSpecFor(t *testing.T) {
	spec, ok := SpecFor("bookings")
	if !ok {
		t.Fatal("SpecFor(bookings) not found")
	}
	if spec.NaturalKey != "booking_ref" {
		t.Errorf("bookings natural key = %q, want booking_ref", spec.NaturalKey)
	}

	if _, ok := SpecFor("nope"); ok {
		t.Error("SpecFor(nope) should not be found")
	}
}

func TestClientFromRemote(t *testing.T) {
	spec := Clients()

	row, err := spec.FromRemote(map[string]interface{}{
		"Row":       float64(17),
		"Name":      "Acme Plumbing",
		"Phone":     "0400 111 222",
		"Weekday":   "Monday",
		"Frequency": float64(2),
		"Time":      "09:30",
		"Status":    "active",
	})
	if err != nil {
		t.Fatalf("FromRemote failed: %v", err)
	}

	if got := RowRef(row); got != "17" {
		t.Errorf("row_ref = %q, want 17", got)
	}
	if got := spec.Key(row); got != "Acme Plumbing" {
		t.Errorf("natural key = %q, want Acme Plumbing", got)
	}
	if got := row["visit_weekday"].(int64); got != 1 {
		t.Errorf("visit_weekday = %d, want 1 (Monday)", got)
	}
	if got := row["visit_frequency_weeks"].(int64); got != 2 {
		t.Errorf("visit_frequency_weeks = %d, want 2", got)
	}
}

func TestClientFromRemoteMissingName(t *testing.T) {
	spec := Clients()

	tests := []map[string]interface{}{
		{"Phone": "0400 111 222"},
		{"Name": ""},
		{"Name": "   "},
	}
	for _, remote := range tests {
		if _, err := spec.FromRemote(remote); err == nil {
			t.Errorf("FromRemote(%v) expected error, got nil", remote)
		}
	}
}

func TestBookingFromRemote(t *testing.T) {
	spec := Bookings()

	row, err := spec.FromRemote(map[string]interface{}{
		"Row":    "23",
		"Ref":    "BK-1042",
		"Client": "Harbour Cafe",
		"Date":   "2026-09-14",
		"Time":   "14:00",
	})
	if err != nil {
		t.Fatalf("FromRemote failed: %v", err)
	}
	if got := spec.Key(row); got != "BK-1042" {
		t.Errorf("natural key = %q, want BK-1042", got)
	}
	if row["date"] != "2026-09-14" {
		t.Errorf("date = %v, want 2026-09-14", row["date"])
	}
}

func TestScheduleFromRemoteMissingRef(t *testing.T) {
	spec := Schedule()
	if _, err := spec.FromRemote(map[string]interface{}{"Client": "Acme"}); err == nil {
		t.Error("expected error for missing entry ref")
	}
}

func TestAsWeekday(t *testing.T) {
	tests := []struct {
		input    interface{}
		expected int64
	}{
		{"Monday", 1},
		{"monday", 1},
		{"  Wed ", 3},
		{"Sunday", 0},
		{float64(5), 5},
		{"5", 5},
		{"", -1},
		{nil, -1},
		{"noday", -1},
		{float64(9), -1},
	}

	for _, tt := range tests {
		if got := asWeekday(tt.input); got != tt.expected {
			t.Errorf("asWeekday(%v) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestAsString(t *testing.T) {
	tests := []struct {
		input    interface{}
		expected string
	}{
		{nil, ""},
		{"x", "x"},
		{float64(17), "17"},
		{float64(2.5), "2.5"},
		{int64(4), "4"},
		{true, "true"},
	}

	for _, tt := range tests {
		if got := AsString(tt.input); got != tt.expected {
			t.Errorf("AsString(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		input    interface{}
		expected int64
	}{
		{nil, 0},
		{float64(3), 3},
		{"7", 7},
		{" 7 ", 7},
		{"junk", 0},
		{true, 1},
	}

	for _, tt := range tests {
		if got := AsInt(tt.input); got != tt.expected {
			t.Errorf("AsInt(%v) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestNewLocalRef(t *testing.T) {
	a := NewLocalRef("bk")
	b := NewLocalRef("bk")

	if !strings.HasPrefix(a, "bk-") {
		t.Errorf("NewLocalRef prefix missing: %q", a)
	}
	if a == b {
		t.Error("NewLocalRef should generate unique refs")
	}
}
