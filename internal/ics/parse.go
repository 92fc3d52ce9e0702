package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // TZIDs must resolve on images without a zoneinfo database

	ical "github.com/arran4/golang-ical"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// Property names used by the resolver. Lookups through Entry are
// case-insensitive, so these are only the canonical spelling.
const (
	PropUID          = string(ical.ComponentPropertyUniqueId)
	PropSummary      = string(ical.ComponentPropertySummary)
	PropLocation     = string(ical.ComponentPropertyLocation)
	PropStatus       = string(ical.ComponentPropertyStatus)
	PropDtStart      = string(ical.ComponentPropertyDtStart)
	PropDtEnd        = string(ical.ComponentPropertyDtEnd)
	PropDuration     = string(ical.ComponentPropertyDuration)
	PropRRule        = string(ical.ComponentPropertyRrule)
	PropRDate        = "RDATE"
	PropExDate       = string(ical.ComponentPropertyExdate)
	PropRecurrenceID = "RECURRENCE-ID"
)

// Document is one parsed calendar source. It is never modified after Parse.
type Document struct {
	Source   Source
	Calendar *ical.Calendar

	entries []Entry
}

// Entries returns the VEVENT entries of the document in file order.
func (d *Document) Entries() []Entry {
	return d.entries
}

// Parse parses a single ICS payload into a Document. Failures are reported
// as model.ErrParse.
func Parse(src Source, body []byte) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty ICS body", model.ErrParse)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("%w: %s: %v", model.ErrParse, src.ID, err)
	}

	doc := newDocument(src, cal)
	appLog.Debug("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(doc.entries))
	return doc, nil
}

func newDocument(src Source, cal *ical.Calendar) *Document {
	doc := &Document{Source: src, Calendar: cal}
	for _, ve := range cal.Events() {
		doc.entries = append(doc.entries, NewEntry(ve))
	}
	return doc
}

// Entry is a case-insensitive view over the properties of one VEVENT.
// Both the single-event filter and the recurrence expander read event
// data exclusively through it.
type Entry struct {
	props []ical.IANAProperty
}

func NewEntry(ve *ical.VEvent) Entry {
	if ve == nil {
		return Entry{}
	}
	return Entry{props: ve.Properties}
}

// Get returns the first property called name, ignoring case.
func (e Entry) Get(name string) (ical.IANAProperty, bool) {
	for _, p := range e.props {
		if strings.EqualFold(p.IANAToken, name) {
			return p, true
		}
	}
	return ical.IANAProperty{}, false
}

// All returns every property called name, ignoring case.
func (e Entry) All(name string) []ical.IANAProperty {
	var out []ical.IANAProperty
	for _, p := range e.props {
		if strings.EqualFold(p.IANAToken, name) {
			out = append(out, p)
		}
	}
	return out
}

func (e Entry) Has(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// Text returns the unescaped text value of a property, or "".
func (e Entry) Text(name string) string {
	p, ok := e.Get(name)
	if !ok {
		return ""
	}
	return textUnescaper.Replace(p.Value)
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\;`, `;`, `\,`, `,`, `\n`, "\n", `\N`, "\n")

func (e Entry) UID() string { return e.Text(PropUID) }

// IsRecurring reports whether the entry is a recurrence master.
func (e Entry) IsRecurring() bool {
	return !e.IsOverride() && (e.Has(PropRRule) || e.Has(PropRDate))
}

// IsOverride reports whether the entry replaces a single instance of a
// recurring event.
func (e Entry) IsOverride() bool {
	return e.Has(PropRecurrenceID)
}

func (e Entry) IsCancelled() bool {
	return strings.EqualFold(strings.TrimSpace(e.Text(PropStatus)), "CANCELLED")
}

// Time parses a DATE or DATE-TIME property. dateOnly is true for DATE
// values, which are anchored at UTC midnight.
func (e Entry) Time(name string) (t time.Time, dateOnly bool, err error) {
	p, ok := e.Get(name)
	if !ok {
		return time.Time{}, false, fmt.Errorf("missing %s", name)
	}
	return parsePropTime(p, strings.TrimSpace(p.Value))
}

// Times parses a multi-valued DATE/DATE-TIME property such as EXDATE or
// RDATE across all of its occurrences in the entry.
func (e Entry) Times(name string) ([]time.Time, []bool) {
	var (
		out   []time.Time
		dates []bool
	)
	for _, p := range e.All(name) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, dateOnly, err := parsePropTime(p, part)
			if err != nil {
				appLog.Debug("ics: skipping unparsable date value", "prop", name, "value", part, "err", err.Error())
				continue
			}
			out = append(out, t)
			dates = append(dates, dateOnly)
		}
	}
	return out, dates
}

// Span returns the start and end of the entry. A missing DTEND is derived
// from DURATION, or defaults to one day for DATE starts and zero length for
// DATE-TIME starts.
func (e Entry) Span() (start, end time.Time, dateOnly bool, err error) {
	start, dateOnly, err = e.Time(PropDtStart)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}

	if e.Has(PropDtEnd) {
		end, _, err = e.Time(PropDtEnd)
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}
	} else if p, ok := e.Get(PropDuration); ok {
		d, derr := parseDuration(p.Value)
		if derr != nil {
			return time.Time{}, time.Time{}, false, derr
		}
		end = start.Add(d)
	} else if dateOnly {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, false, errors.New("DTEND is before DTSTART")
	}
	return start, end, dateOnly, nil
}

func param(p ical.IANAProperty, name string) string {
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// parsePropTime parses one date/date-time value using the TZID and VALUE
// parameters of its property. Floating times and unknown TZIDs resolve to
// UTC.
func parsePropTime(p ical.IANAProperty, v string) (time.Time, bool, error) {
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(param(p, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, time.UTC)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	loc := time.UTC
	if tzid := strings.Trim(param(p, "TZID"), `"`); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			appLog.Debug("ics: unknown TZID, using UTC", "tzid", tzid)
		} else {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

// parseDuration parses an RFC 5545 duration value, e.g. "PT1H30M", "P2D",
// "-PT15M" or "P1W".
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var (
		d      time.Duration
		n      int
		digits bool
		inTime bool
		parts  int
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
			digits = true
			continue
		case r == 'T':
			if inTime || digits {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			inTime = true
			continue
		}
		if !digits {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		switch {
		case r == 'W' && !inTime:
			d += time.Duration(n) * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			d += time.Duration(n) * 24 * time.Hour
		case r == 'H' && inTime:
			d += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			d += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			d += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		n, digits = 0, false
		parts++
	}
	if digits || parts == 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}

	if neg {
		d = -d
	}
	return d, nil
}
