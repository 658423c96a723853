// Package entity describes the replicated tables as schema-driven generic
// records, plus the remote-shape to local-shape mapping for each one.
//
// The remote system of record is spreadsheet-shaped: every entity arrives as
// a JSON array of objects whose keys are sheet column headers. Rather than
// one hand-written struct per table, each table is described by a Spec and
// rows travel as Row maps keyed by local column name.
package entity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind is the storage type of a column.
type Kind int

const (
	// KindText stores the value as TEXT.
	KindText Kind = iota
	// KindInt stores the value as INTEGER.
	KindInt
	// KindReal stores the value as REAL.
	KindReal
	// KindBool stores the value as INTEGER 0/1.
	KindBool
)

// Column describes one domain column of a replicated table.
type Column struct {
	Name string
	Kind Kind
}

// Row is a generic record keyed by local column name. Values are native Go
// types: string, int64, float64, bool. The owning Spec's column order is the
// canonical field order.
type Row map[string]interface{}

// Bookkeeping fields every replicated row carries in addition to its domain
// columns. FieldRowRef holds the opaque remote row reference and is empty
// for rows created locally that the remote has not assigned yet.
const (
	FieldRowRef     = "row_ref"
	FieldDirty      = "dirty"
	FieldLastSynced = "last_synced"
)

// Spec describes one replicated table: its local schema, the webhook actions
// that pull and push it, and the mapping from the remote row shape.
type Spec struct {
	Table      string
	PullAction string
	PushAction string
	// NaturalKey names the column holding the business key (unique per table).
	NaturalKey string
	Columns    []Column
	// FromRemote maps one remote row to the local shape. A non-nil error
	// means the row is unusable and must be skipped, not that the pull fails.
	FromRemote func(remote map[string]interface{}) (Row, error)
}

// Key returns the row's natural key as a string, or "" if absent.
func (s Spec) Key(r Row) string {
	return AsString(r[s.NaturalKey])
}

// RowRef returns the row's remote row reference, or "" for local-only rows.
func RowRef(r Row) string {
	return AsString(r[FieldRowRef])
}

// NewLocalRef generates a reference for a locally created record, used as its
// natural key until (and after) the remote accepts it.
func NewLocalRef(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Specs returns all replicated entity specs in replication order. Clients
// come first so the projector and the dependent tables always see fresh
// recurring-rule data within a cycle.
func Specs() []Spec {
	return []Spec{Clients(), Bookings(), Schedule()}
}

// SpecFor returns the spec for the given table name.
func SpecFor(table string) (Spec, bool) {
	for _, s := range Specs() {
		if s.Table == table {
			return s, true
		}
	}
	return Spec{}, false
}

// Clients describes the client roster. Each client optionally carries a
// recurring visit rule (weekday, frequency in weeks, time, status).
func Clients() Spec {
	return Spec{
		Table:      "clients",
		PullAction: "listClients",
		PushAction: "pushClient",
		NaturalKey: "name",
		Columns: []Column{
			{Name: "name", Kind: KindText},
			{Name: "phone", Kind: KindText},
			{Name: "address", Kind: KindText},
			{Name: "notes", Kind: KindText},
			{Name: "visit_weekday", Kind: KindInt},
			{Name: "visit_frequency_weeks", Kind: KindInt},
			{Name: "visit_time", Kind: KindText},
			{Name: "status", Kind: KindText},
		},
		FromRemote: clientFromRemote,
	}
}

// Bookings describes dated one-off visits.
func Bookings() Spec {
	return Spec{
		Table:      "bookings",
		PullAction: "listBookings",
		PushAction: "pushBooking",
		NaturalKey: "booking_ref",
		Columns: []Column{
			{Name: "booking_ref", Kind: KindText},
			{Name: "client_name", Kind: KindText},
			{Name: "date", Kind: KindText},
			{Name: "time", Kind: KindText},
			{Name: "service", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "notes", Kind: KindText},
		},
		FromRemote: bookingFromRemote,
	}
}

// Schedule describes explicitly planned visits (entries placed on the
// schedule sheet by hand, as opposed to projected recurring occurrences).
func Schedule() Spec {
	return Spec{
		Table:      "schedule",
		PullAction: "listSchedule",
		PushAction: "pushSchedule",
		NaturalKey: "entry_ref",
		Columns: []Column{
			{Name: "entry_ref", Kind: KindText},
			{Name: "client_name", Kind: KindText},
			{Name: "date", Kind: KindText},
			{Name: "time", Kind: KindText},
			{Name: "note", Kind: KindText},
		},
		FromRemote: scheduleFromRemote,
	}
}

func clientFromRemote(remote map[string]interface{}) (Row, error) {
	name := strings.TrimSpace(pickString(remote, "Name", "name"))
	if name == "" {
		return nil, fmt.Errorf("client row missing name: %v", remote)
	}
	return Row{
		FieldRowRef:             pickString(remote, "Row", "row", "_row"),
		"name":                  name,
		"phone":                 pickString(remote, "Phone", "phone"),
		"address":               pickString(remote, "Address", "address"),
		"notes":                 pickString(remote, "Notes", "notes"),
		"visit_weekday":         asWeekday(pick(remote, "Weekday", "weekday", "VisitWeekday")),
		"visit_frequency_weeks": AsInt(pick(remote, "Frequency", "frequency", "FrequencyWeeks")),
		"visit_time":            pickString(remote, "Time", "time", "VisitTime"),
		"status":                pickString(remote, "Status", "status"),
	}, nil
}

func bookingFromRemote(remote map[string]interface{}) (Row, error) {
	ref := strings.TrimSpace(pickString(remote, "Ref", "ref", "BookingRef"))
	if ref == "" {
		return nil, fmt.Errorf("booking row missing ref: %v", remote)
	}
	return Row{
		FieldRowRef:   pickString(remote, "Row", "row", "_row"),
		"booking_ref": ref,
		"client_name": pickString(remote, "Client", "client", "ClientName"),
		"date":        pickString(remote, "Date", "date"),
		"time":        pickString(remote, "Time", "time"),
		"service":     pickString(remote, "Service", "service"),
		"status":      pickString(remote, "Status", "status"),
		"notes":       pickString(remote, "Notes", "notes"),
	}, nil
}

func scheduleFromRemote(remote map[string]interface{}) (Row, error) {
	ref := strings.TrimSpace(pickString(remote, "Ref", "ref", "EntryRef"))
	if ref == "" {
		return nil, fmt.Errorf("schedule row missing ref: %v", remote)
	}
	return Row{
		FieldRowRef:   pickString(remote, "Row", "row", "_row"),
		"entry_ref":   ref,
		"client_name": pickString(remote, "Client", "client", "ClientName"),
		"date":        pickString(remote, "Date", "date"),
		"time":        pickString(remote, "Time", "time"),
		"note":        pickString(remote, "Note", "note", "Notes"),
	}, nil
}

// pick returns the first present key's value from the remote row.
func pick(remote map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := remote[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// pickString returns the first present key's value coerced to a string.
func pickString(remote map[string]interface{}, keys ...string) string {
	return AsString(pick(remote, keys...))
}

// AsString coerces a remote or stored value to a string. Numbers are
// formatted without a decimal point when integral, matching how spreadsheet
// webhooks serialize row references and phone-like columns.
func AsString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AsInt coerces a remote or stored value to an int64. Unparsable values
// coerce to 0; the remote is allowed to return partial or malformed data and
// a zero is always a safe neutral (a frequency of 0 means "not recurring").
func AsInt(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// AsBool coerces a stored value to a bool.
func AsBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

// weekdayNames maps lowercase weekday names and prefixes to time.Weekday
// ordinals (Sunday = 0), the convention the remote sheet uses.
var weekdayNames = map[string]int64{
	"sunday": 0, "sun": 0,
	"monday": 1, "mon": 1,
	"tuesday": 2, "tue": 2, "tues": 2,
	"wednesday": 3, "wed": 3,
	"thursday": 4, "thu": 4, "thur": 4, "thurs": 4,
	"friday": 5, "fri": 5,
	"saturday": 6, "sat": 6,
}

// asWeekday coerces a weekday cell (a name like "Monday" or an ordinal) to
// a Sunday-based ordinal. Unrecognized values coerce to -1 so a blank cell
// is distinguishable from Sunday.
func asWeekday(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return -1
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" {
			return -1
		}
		if n, ok := weekdayNames[s]; ok {
			return n
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 && n <= 6 {
			return n
		}
		return -1
	default:
		n := AsInt(v)
		if n < 0 || n > 6 {
			return -1
		}
		return n
	}
}
