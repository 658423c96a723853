// Package schedule projects recurring visit rules onto concrete dates and
// detects scheduling conflicts against the replicated booking data.
// Occurrences are computed on demand and never persisted.
package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/mgalindo/bookhub/internal/entity"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"

	defaultMinGap  = 60 * time.Minute
	defaultHorizon = 14
	defaultTopK    = 3
)

// AnyWeekday disables the preferred-weekday restriction in SuggestOptions.
const AnyWeekday = -1

// Entry sources, in merge order.
const (
	SourceBooking   = "booking"
	SourceSchedule  = "schedule"
	SourceRecurring = "recurring"
)

// Rule is one client's recurring visit pattern. Weekday is Sunday-based;
// a negative weekday or a non-positive frequency means the client has no
// recurring visits.
type Rule struct {
	Client         string
	Weekday        int
	FrequencyWeeks int
	TimeOfDay      string
	Status         string
}

// active reports whether the rule should project occurrences.
func (r Rule) active() bool {
	if r.FrequencyWeeks <= 0 || r.Weekday < 0 || r.Weekday > 6 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "", "active":
		return true
	default:
		return false
	}
}

// Entry is one calendar entry on a concrete date, either replicated (a
// booking or an explicit schedule row) or projected from a recurring rule.
type Entry struct {
	Client string
	Date   string // 2006-01-02
	Time   string // 15:04, may be empty
	Source string
	Note   string
}

// Expand projects a rule onto [start, end]: the first date on or after start
// matching the rule's weekday, then every frequency-weeks step through end.
func Expand(rule Rule, start, end time.Time) []Entry {
	if !rule.active() {
		return nil
	}

	offset := (rule.Weekday - int(start.Weekday()) + 7) % 7
	step := rule.FrequencyWeeks * 7

	var entries []Entry
	for d := start.AddDate(0, 0, offset); !d.After(end); d = d.AddDate(0, 0, step) {
		entries = append(entries, Entry{
			Client: rule.Client,
			Date:   d.Format(dateLayout),
			Time:   rule.TimeOfDay,
			Source: SourceRecurring,
		})
	}
	return entries
}

// BuildCalendar merges one-off bookings, explicit schedule entries, and
// projected rule occurrences into a per-date calendar for [start, end].
// Within a date, entries sort by time ascending with unparsable times last.
func BuildCalendar(start, end time.Time, oneOffs, scheduled []Entry, rules []Rule) map[string][]Entry {
	lo := start.Format(dateLayout)
	hi := end.Format(dateLayout)

	cal := make(map[string][]Entry)
	add := func(e Entry) {
		if e.Date < lo || e.Date > hi {
			return
		}
		cal[e.Date] = append(cal[e.Date], e)
	}

	for _, e := range oneOffs {
		add(e)
	}
	for _, e := range scheduled {
		add(e)
	}
	for _, r := range rules {
		for _, e := range Expand(r, start, end) {
			add(e)
		}
	}

	for date := range cal {
		sortByTime(cal[date])
	}
	return cal
}

// Config bounds what counts as a conflict.
type Config struct {
	// MaxPerDay flags a day as overbooked once its entry count reaches it.
	// Zero disables the check.
	MaxPerDay int
	// MinGap is the minimum spacing between two entries' start times.
	// Zero means the 60 minute default.
	MinGap time.Duration
}

// ConflictKind tags a detected conflict.
type ConflictKind string

// Conflict kinds.
const (
	ConflictOverbooked ConflictKind = "overbooked"
	ConflictClash      ConflictKind = "clash"
)

// Conflict is one detected problem on a candidate date.
type Conflict struct {
	Kind    ConflictKind
	Date    string
	Entries []Entry
}

// CheckConflicts examines one date's merged entries. exclude names a client
// whose own entries are ignored, for re-scheduling that client's visit.
// Entries with unparsable times cannot clash but still count toward the
// per-day maximum.
func CheckConflicts(entries []Entry, exclude string, cfg Config) []Conflict {
	gap := cfg.MinGap
	if gap <= 0 {
		gap = defaultMinGap
	}

	var day []Entry
	for _, e := range entries {
		if exclude != "" && e.Client == exclude {
			continue
		}
		day = append(day, e)
	}
	if len(day) == 0 {
		return nil
	}

	var conflicts []Conflict
	if cfg.MaxPerDay > 0 && len(day) >= cfg.MaxPerDay {
		conflicts = append(conflicts, Conflict{
			Kind:    ConflictOverbooked,
			Date:    day[0].Date,
			Entries: append([]Entry{}, day...),
		})
	}

	// O(n^2) pairwise scan; daily counts are small.
	for i := 0; i < len(day); i++ {
		ti, ok := parseTime(day[i].Time)
		if !ok {
			continue
		}
		for j := i + 1; j < len(day); j++ {
			tj, ok := parseTime(day[j].Time)
			if !ok {
				continue
			}
			diff := ti.Sub(tj)
			if diff < 0 {
				diff = -diff
			}
			if diff < gap {
				conflicts = append(conflicts, Conflict{
					Kind:    ConflictClash,
					Date:    day[i].Date,
					Entries: []Entry{day[i], day[j]},
				})
			}
		}
	}
	return conflicts
}

// SuggestOptions shapes the best-date scan.
type SuggestOptions struct {
	// Horizon is the number of days scanned forward. Zero means 14.
	Horizon int
	// TopK is the number of suggestions returned. Zero means 3.
	TopK int
	// SkipWeekdays lists Sunday-based weekdays never suggested.
	SkipWeekdays []int
	// Preferred restricts suggestions to one Sunday-based weekday.
	// AnyWeekday (or any negative value) disables the restriction.
	Preferred int
}

// DefaultSuggestOptions returns the standard scan shape.
func DefaultSuggestOptions() SuggestOptions {
	return SuggestOptions{
		Horizon:   defaultHorizon,
		TopK:      defaultTopK,
		Preferred: AnyWeekday,
	}
}

// Suggestion is one candidate date with its current load.
type Suggestion struct {
	Date    string
	Weekday time.Weekday
	Booked  int
	// Remaining is the capacity left before the day is full, or -1 when no
	// per-day maximum is configured.
	Remaining int
}

// SuggestDates scans forward from the given day and returns the least-loaded
// candidate dates. Full days and skipped weekdays are never suggested; ties
// resolve to the earlier date.
func SuggestDates(from time.Time, oneOffs, scheduled []Entry, rules []Rule, cfg Config, opts SuggestOptions) []Suggestion {
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	end := from.AddDate(0, 0, opts.Horizon-1)
	cal := BuildCalendar(from, end, oneOffs, scheduled, rules)

	skip := make(map[int]bool, len(opts.SkipWeekdays))
	for _, w := range opts.SkipWeekdays {
		skip[w] = true
	}

	var suggestions []Suggestion
	for i := 0; i < opts.Horizon; i++ {
		d := from.AddDate(0, 0, i)
		wd := int(d.Weekday())
		if skip[wd] {
			continue
		}
		if opts.Preferred >= 0 && wd != opts.Preferred {
			continue
		}

		booked := len(cal[d.Format(dateLayout)])
		if cfg.MaxPerDay > 0 && booked >= cfg.MaxPerDay {
			continue
		}
		remaining := -1
		if cfg.MaxPerDay > 0 {
			remaining = cfg.MaxPerDay - booked
		}
		suggestions = append(suggestions, Suggestion{
			Date:      d.Format(dateLayout),
			Weekday:   d.Weekday(),
			Booked:    booked,
			Remaining: remaining,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Booked < suggestions[j].Booked
	})
	if len(suggestions) > opts.TopK {
		suggestions = suggestions[:opts.TopK]
	}
	return suggestions
}

// RulesFromClients extracts the recurring rules carried on client rows.
// Clients without a usable rule still come through; Expand skips them.
func RulesFromClients(rows []entity.Row) []Rule {
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, Rule{
			Client:         entity.AsString(row["name"]),
			Weekday:        int(entity.AsInt(row["visit_weekday"])),
			FrequencyWeeks: int(entity.AsInt(row["visit_frequency_weeks"])),
			TimeOfDay:      entity.AsString(row["visit_time"]),
			Status:         entity.AsString(row["status"]),
		})
	}
	return rules
}

// EntriesFromBookings converts booking rows to calendar entries. Cancelled
// bookings do not occupy their slot.
func EntriesFromBookings(rows []entity.Row) []Entry {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if strings.EqualFold(entity.AsString(row["status"]), "cancelled") {
			continue
		}
		entries = append(entries, Entry{
			Client: entity.AsString(row["client_name"]),
			Date:   entity.AsString(row["date"]),
			Time:   entity.AsString(row["time"]),
			Source: SourceBooking,
			Note:   entity.AsString(row["notes"]),
		})
	}
	return entries
}

// EntriesFromSchedule converts explicit schedule rows to calendar entries.
func EntriesFromSchedule(rows []entity.Row) []Entry {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			Client: entity.AsString(row["client_name"]),
			Date:   entity.AsString(row["date"]),
			Time:   entity.AsString(row["time"]),
			Source: SourceSchedule,
			Note:   entity.AsString(row["note"]),
		})
	}
	return entries
}

// sortByTime orders a day's entries by start time ascending, unparsable
// times last.
func sortByTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, iok := parseTime(entries[i].Time)
		tj, jok := parseTime(entries[j].Time)
		if iok != jok {
			return iok
		}
		if !iok {
			return false
		}
		return ti.Before(tj)
	})
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
