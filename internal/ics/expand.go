package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "inkcal/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Fields is a window bound broken into calendar fields, the granularity
// the recurrence expander works with.
type Fields struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// FieldsOf breaks t into calendar fields on its own clock.
func FieldsOf(t time.Time) Fields {
	return Fields{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// In returns the instant the fields name in loc.
func (f Fields) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(f.Year, f.Month, f.Day, f.Hour, f.Minute, f.Second, 0, loc)
}

// Occurrence is one concrete instance of a recurring event. Title and other
// properties are read through the embedded Entry.
type Occurrence struct {
	Entry

	Start time.Time
	End   time.Time
}

// RRuleExpander materializes recurring VEVENTs (RRULE, RDATE, EXDATE,
// RECURRENCE-ID) with rrule-go. Window fields are read as UTC.
type RRuleExpander struct {
	// MaxOccurrences caps occurrences per recurring event. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrences int
}

// Between returns every occurrence of the document's recurring events that
// overlaps (start, end). Overridden instances are returned in their
// overridden form; cancelled ones are dropped.
func (x RRuleExpander) Between(doc *Document, start, end Fields) ([]Occurrence, error) {
	if doc == nil {
		return nil, errors.New("expand: nil document")
	}

	rangeStart := start.In(time.UTC)
	rangeEnd := end.In(time.UTC)
	if rangeEnd.Before(rangeStart) {
		return nil, errors.New("expand: range end is before range start")
	}

	limit := x.MaxOccurrences
	if limit <= 0 {
		limit = defaultMaxOccurrencesPerEvent
	}

	// Group overrides by UID so masters can skip replaced instances.
	overridesByUID := make(map[string][]Entry)
	for _, e := range doc.Entries() {
		if e.IsOverride() {
			overridesByUID[e.UID()] = append(overridesByUID[e.UID()], e)
		}
	}

	out := make([]Occurrence, 0)

	for _, e := range doc.Entries() {
		if !e.IsRecurring() {
			continue
		}
		occ, hitCap := expandMaster(e, overridesByUID[e.UID()], rangeStart, rangeEnd, limit)
		if hitCap {
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", e.UID(),
				"cap", limit,
			)
		}
		out = append(out, occ...)
	}

	for _, e := range doc.Entries() {
		if !e.IsOverride() || e.IsCancelled() {
			continue
		}
		s, en, _, err := e.Span()
		if err != nil {
			appLog.Debug("expand: skipping override with bad times", "uid", e.UID(), "err", err.Error())
			continue
		}
		if occurrenceOverlaps(s, en, rangeStart, rangeEnd) {
			out = append(out, Occurrence{Entry: e, Start: s, End: en})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// expandMaster expands one recurrence master within the range, returning
// occurrences and whether the cap was hit.
func expandMaster(master Entry, overrides []Entry, rangeStart, rangeEnd time.Time, limit int) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)

	start, end, dateOnly, err := master.Span()
	if err != nil {
		appLog.Error("expand: failed to read master times", err, "uid", master.UID())
		return out, false
	}
	dur := end.Sub(start)

	// Look back by the duration so instances that began before the window
	// but are still running are found.
	after := rangeStart.Add(-dur)

	var starts []time.Time

	rules := master.All(PropRRule)
	if len(rules) > 0 {
		if len(rules) > 1 {
			appLog.Warn("expand: multiple RRULEs, using the first", "uid", master.UID(), "count", len(rules))
		}
		r, err := rrule.StrToRRule(rules[0].Value)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", master.UID(), "rrule", rules[0].Value)
			return out, false
		}
		r.DTStart(start)

		var set rrule.Set
		set.RRule(r)
		starts = set.Between(after, rangeEnd, true)
	} else {
		// RDATE-only masters still occur at DTSTART.
		starts = []time.Time{start}
	}

	rdates, _ := master.Times(PropRDate)
	for _, rd := range rdates {
		if !rd.Before(after) && !rd.After(rangeEnd) {
			starts = append(starts, rd.In(start.Location()))
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	starts = dedupTimes(starts)

	exdates, exDateOnly := master.Times(PropExDate)

	hitCap := false
	for _, occStart := range starts {
		if len(out) >= limit {
			hitCap = true
			break
		}
		if excluded(occStart, exdates, exDateOnly) {
			continue
		}
		if _, ok := findOverride(overrides, occStart); ok {
			// Overrides are emitted separately, in their own time slot.
			continue
		}

		occEnd := occStart.Add(dur)
		if dateOnly {
			// Keep whole-day spans on midnight even across DST shifts.
			occEnd = occStart.AddDate(0, 0, int(dur/(24*time.Hour)))
		}
		if !occurrenceOverlaps(occStart, occEnd, rangeStart, rangeEnd) {
			continue
		}
		out = append(out, Occurrence{Entry: master, Start: occStart, End: occEnd})
	}

	return out, hitCap
}

// findOverride finds an override whose RECURRENCE-ID names the instance
// starting at occStart.
func findOverride(overrides []Entry, occStart time.Time) (Entry, bool) {
	for _, ov := range overrides {
		rid, dateOnly, err := ov.Time(PropRecurrenceID)
		if err != nil {
			continue
		}
		if rid.Equal(occStart) || (dateOnly && sameDate(rid, occStart)) {
			return ov, true
		}
	}
	return Entry{}, false
}

func excluded(t time.Time, exdates []time.Time, dateOnly []bool) bool {
	for i, ex := range exdates {
		if ex.Equal(t) {
			return true
		}
		if dateOnly[i] && sameDate(ex, t) {
			return true
		}
	}
	return false
}

// sameDate compares the calendar date of d (a DATE value) with t on t's
// own clock.
func sameDate(d, t time.Time) bool {
	y1, m1, d1 := d.Date()
	y2, m2, d2 := t.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func dedupTimes(ts []time.Time) []time.Time {
	if len(ts) < 2 {
		return ts
	}
	out := ts[:1]
	for _, t := range ts[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}

// occurrenceOverlaps reports whether [start, end) intersects the window.
// Zero-length occurrences count when they fall inside [rangeStart, rangeEnd).
func occurrenceOverlaps(start, end, rangeStart, rangeEnd time.Time) bool {
	if end.Equal(start) {
		return !start.Before(rangeStart) && start.Before(rangeEnd)
	}
	return start.Before(rangeEnd) && end.After(rangeStart)
}
