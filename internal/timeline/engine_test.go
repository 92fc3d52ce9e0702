package timeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkcal/internal/ics"
	"inkcal/internal/model"
)

func icsBody(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func vevent(uid, summary string, props ...string) []string {
	lines := []string{"BEGIN:VEVENT", "UID:" + uid, "SUMMARY:" + summary}
	lines = append(lines, props...)
	return append(lines, "END:VEVENT")
}

func doc(t *testing.T, id string, events ...[]string) *ics.Document {
	t.Helper()
	var lines []string
	for _, ev := range events {
		lines = append(lines, ev...)
	}
	d, err := ics.Parse(ics.Source{ID: id}, icsBody(lines...))
	require.NoError(t, err)
	return d
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// summarize flattens records into comparable strings.
func summarize(records []model.EventRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%s|%s|%s|%t",
			r.Title, r.Begin.Format(time.RFC3339), r.End.Format(time.RFC3339), r.AllDay))
	}
	return out
}

func TestNew_MissingExpander(t *testing.T) {
	_, err := New(WithExpander(nil))
	assert.True(t, errors.Is(err, model.ErrMissingDependency))
}

func TestEvents_AllDayKeepsUTCMidnight(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "a", vevent("holiday", "  Holiday",
		"DTSTART;VALUE=DATE:20240110", "DTEND;VALUE=DATE:20240111"))))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "+05:00")
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "Holiday", ev.Title)
	assert.Equal(t, "2024-01-10T00:00:00Z", ev.Begin.Format(time.RFC3339))
	assert.Equal(t, "2024-01-11T00:00:00Z", ev.End.Format(time.RFC3339))
	assert.True(t, ev.AllDay)
	assert.False(t, ev.Recurring)
	assert.Equal(t, "a", ev.SourceID)
	assert.Equal(t, "holiday", ev.UID)
}

func TestEvents_TimedEventConverted(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "b", vevent("talk", "Talk",
		"DTSTART:20240301T140000Z", "DTEND:20240301T150000Z"))))

	events, err := e.Events(day(2024, 3, 1), day(2024, 3, 2), "+02:00")
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "2024-03-01T16:00:00+02:00", events[0].Begin.Format(time.RFC3339))
	assert.Equal(t, "2024-03-01T17:00:00+02:00", events[0].End.Format(time.RFC3339))
	assert.False(t, events[0].AllDay)
}

func TestEvents_WeeklyRecurrenceOverFourWeeks(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "c", vevent("weekly", "Weekly",
		"DTSTART:20240101T100000Z", "DTEND:20240101T110000Z", "RRULE:FREQ=WEEKLY"))))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 29), "")
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i, ev := range events {
		wantBegin := time.Date(2024, 1, 1+7*i, 10, 0, 0, 0, time.UTC)
		assert.True(t, ev.Begin.Equal(wantBegin), "occurrence %d begins %v", i, ev.Begin)
		assert.Equal(t, time.Hour, ev.Duration())
		assert.True(t, ev.Recurring)
		assert.Equal(t, "Weekly", ev.Title)
		if i > 0 {
			assert.True(t, ev.Begin.After(events[i-1].Begin))
		}
	}
}

func TestEvents_WindowFiltering(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "w",
		vevent("before", "Before", "DTSTART:20231230T100000Z", "DTEND:20231230T110000Z"),
		vevent("spanning", "Spanning", "DTSTART:20231231T100000Z", "DTEND:20240102T110000Z"),
		vevent("inside", "Inside", "DTSTART:20240115T100000Z", "DTEND:20240115T110000Z"),
		vevent("after", "After", "DTSTART:20240201T100000Z", "DTEND:20240201T110000Z"),
		vevent("notimes", "No times"),
	)))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "UTC")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Spanning|2023-12-31T10:00:00Z|2024-01-02T11:00:00Z|false",
		"Inside|2024-01-15T10:00:00Z|2024-01-15T11:00:00Z|false",
	}, summarize(events))
}

func TestEvents_LiteralOverlapMatchesNothing(t *testing.T) {
	e := newEngine(t, WithOverlap(OverlapLiteral))
	require.NoError(t, e.Add(doc(t, "l",
		vevent("inside", "Inside", "DTSTART:20240115T100000Z", "DTEND:20240115T110000Z"),
		vevent("weekly", "Weekly", "DTSTART:20240101T100000Z", "DTEND:20240101T110000Z", "RRULE:FREQ=WEEKLY;COUNT=2"),
	)))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)
	require.Len(t, events, 2, "only recurring occurrences pass the literal test")
	for _, ev := range events {
		assert.True(t, ev.Recurring)
	}
}

func TestEvents_SortedAndStable(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(
		doc(t, "first",
			vevent("late", "Late", "DTSTART:20240110T150000Z", "DTEND:20240110T160000Z"),
			vevent("tie-a", "Tie A", "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z"),
		),
		doc(t, "second",
			vevent("tie-b", "Tie B", "DTSTART:20240110T090000Z", "DTEND:20240110T093000Z"),
			vevent("tie-r", "Tie R", "DTSTART:20240103T090000Z", "DTEND:20240103T091500Z", "RRULE:FREQ=WEEKLY;COUNT=2"),
			vevent("early", "Early", "DTSTART:20240105T080000Z", "DTEND:20240105T090000Z"),
		),
	))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)

	titles := make([]string, 0, len(events))
	for i, ev := range events {
		titles = append(titles, ev.Title)
		if i > 0 {
			assert.False(t, ev.Begin.Before(events[i-1].Begin))
		}
	}
	assert.Equal(t, []string{"Tie R", "Early", "Tie A", "Tie B", "Tie R", "Late"}, titles)
	assert.Equal(t, 2, e.Documents())
}

func TestEvents_AccumulatesUntilClear(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "acc",
		vevent("one", "One", "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z"),
		vevent("two", "Two", "DTSTART:20240111T090000Z", "DTEND:20240111T100000Z"),
	)))

	first, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "Europe/Berlin")
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"One|2024-01-10T10:00:00+01:00|2024-01-10T11:00:00+01:00|false",
		"One|2024-01-10T10:00:00+01:00|2024-01-10T11:00:00+01:00|false",
		"Two|2024-01-11T10:00:00+01:00|2024-01-11T11:00:00+01:00|false",
		"Two|2024-01-11T10:00:00+01:00|2024-01-11T11:00:00+01:00|false",
	}, summarize(second))

	e.Clear()
	third, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, summarize(first), summarize(third))
}

func TestEvents_ReturnsCopy(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "copy", vevent("one", "One", "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z"))))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)
	events[0].Title = "mutated"

	e.Clear()
	again, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)
	assert.Equal(t, "One", again[0].Title)
}

func TestEvents_MidnightAnchorsArePerField(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "mixed",
		vevent("trip", "Trip", "DTSTART:20240105T000000Z", "DTEND:20240106T120000Z"),
		vevent("late", "Late show", "DTSTART:20240107T000000Z", "DTEND:20240107T010000Z"),
	)))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "+02:00")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Trip|2024-01-05T00:00:00Z|2024-01-06T14:00:00+02:00|false",
		"Late show|2024-01-07T00:00:00Z|2024-01-07T03:00:00+02:00|false",
	}, summarize(events))
}

func TestEvents_MidnightAnchorKeepsTZIDClock(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "berlin",
		vevent("fair", "Fair", "DTSTART;TZID=Europe/Berlin:20240110T000000", "DTEND;TZID=Europe/Berlin:20240111T000000"),
		vevent("opening", "Opening", "DTSTART;TZID=Europe/Berlin:20240112T000000", "DTEND;TZID=Europe/Berlin:20240112T090000"),
	)))

	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "UTC")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Fair|2024-01-10T00:00:00+01:00|2024-01-11T00:00:00+01:00|true",
		"Opening|2024-01-12T00:00:00+01:00|2024-01-12T08:00:00Z|false",
	}, summarize(events))
}

func TestEvents_Properties(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Add(doc(t, "props",
		vevent("allday", "All day", "DTSTART;VALUE=DATE:20240110", "DTEND;VALUE=DATE:20240113"),
		vevent("daily", "Daily", "DTSTART;VALUE=DATE:20240101", "RRULE:FREQ=DAILY;COUNT=40"),
		vevent("timed", "Timed", "DTSTART:20240112T073000Z", "DTEND:20240112T081500Z"),
		vevent("standup", "Standup", "DTSTART:20240102T091500Z", "DURATION:PT15M", "RRULE:FREQ=DAILY;BYDAY=MO,TU,WE,TH,FR"),
	)))

	for _, tz := range []string{"", "+05:00", "-08:00", "Asia/Kolkata", "America/New_York"} {
		t.Run("tz="+tz, func(t *testing.T) {
			e.Clear()
			events, err := e.Events(day(2024, 1, 8), day(2024, 1, 22), tz)
			require.NoError(t, err)
			require.NotEmpty(t, events)

			loc, err := LoadTimezone(tz)
			require.NoError(t, err)

			for i, ev := range events {
				assert.False(t, ev.End.Before(ev.Begin), "%s: end before begin", ev.Title)
				if i > 0 {
					assert.False(t, ev.Begin.Before(events[i-1].Begin), "not sorted at %d", i)
				}
				if ev.AllDay {
					assert.Equal(t, 0, ev.Begin.Hour()+ev.Begin.Minute())
					assert.Equal(t, 0, ev.End.Hour()+ev.End.Minute())
					assert.Zero(t, ev.Duration()%(24*time.Hour))
					assert.GreaterOrEqual(t, ev.Duration(), 24*time.Hour)
					continue
				}
				assert.Equal(t, loc.String(), ev.Begin.Location().String(), "%s begin", ev.Title)
				assert.Equal(t, loc.String(), ev.End.Location().String(), "%s end", ev.Title)
			}
		})
	}
}

func TestEvents_InvalidInput(t *testing.T) {
	e := newEngine(t)

	_, err := e.Events(day(2024, 2, 1), day(2024, 1, 1), "")
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	_, err = e.Events(day(2024, 1, 1), day(2024, 2, 1), "Mars/Olympus_Mons")
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

type failingExpander struct{}

func (failingExpander) Between(*ics.Document, ics.Fields, ics.Fields) ([]ics.Occurrence, error) {
	return nil, errors.New("expander broke")
}

func TestEvents_ExpanderErrorLeavesListUntouched(t *testing.T) {
	e := newEngine(t, WithExpander(failingExpander{}))
	require.NoError(t, e.Add(doc(t, "x", vevent("one", "One", "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z"))))

	_, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.Error(t, err)

	e.expander = ics.RRuleExpander{}
	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type fakeLoader map[string]error

func (f fakeLoader) Fetch(_ context.Context, src ics.Source, _ *ics.Credentials) (*ics.Document, error) {
	if err := f[src.URL]; err != nil {
		return nil, err
	}
	return ics.Parse(src, icsBody(vevent(src.ID, src.ID, "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z")...))
}

func TestAddSources(t *testing.T) {
	loader := fakeLoader{"https://cal/denied": fmt.Errorf("%w: 401", model.ErrAuth)}
	e := newEngine(t, WithLoader(loader))

	err := e.AddSources(context.Background(), []ics.Source{
		{ID: "ok", URL: "https://cal/ok"},
		{ID: "denied", URL: "https://cal/denied"},
	}, nil)
	assert.True(t, errors.Is(err, model.ErrAuth))
	assert.Equal(t, 0, e.Documents(), "a failing source adds nothing")

	require.NoError(t, e.AddSources(context.Background(), []ics.Source{
		{ID: "ok", URL: "https://cal/ok"},
		{ID: "other", URL: "https://cal/other"},
	}, &ics.Credentials{Username: "u", Password: "p"}))
	assert.Equal(t, 2, e.Documents())

	err = e.AddSources(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	bare := newEngine(t, WithLoader(nil))
	err = bare.AddSources(context.Background(), []ics.Source{{ID: "ok", URL: "https://cal/ok"}}, nil)
	assert.True(t, errors.Is(err, model.ErrMissingDependency))
}

func TestAddFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.ics")
	require.NoError(t, os.WriteFile(good, icsBody(vevent("f", "From file", "DTSTART:20240110T090000Z", "DTEND:20240110T100000Z")...), 0o600))
	bad := filepath.Join(dir, "bad.ics")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))

	e := newEngine(t)

	err := e.AddFiles([]string{good, filepath.Join(dir, "missing.ics")})
	assert.True(t, errors.Is(err, model.ErrIO))
	err = e.AddFiles([]string{good, bad})
	assert.True(t, errors.Is(err, model.ErrParse))
	err = e.AddFiles(nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
	assert.Equal(t, 0, e.Documents())

	require.NoError(t, e.AddFiles([]string{good}))
	events, err := e.Events(day(2024, 1, 1), day(2024, 1, 31), "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "From file", events[0].Title)
	assert.Equal(t, "good.ics", events[0].SourceID)
}

func TestAdd_RejectsNil(t *testing.T) {
	e := newEngine(t)
	err := e.Add(doc(t, "ok"), nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
	assert.Equal(t, 0, e.Documents())
}

func TestParseOverlap(t *testing.T) {
	o, err := ParseOverlap("")
	require.NoError(t, err)
	assert.Equal(t, OverlapStandard, o)

	o, err = ParseOverlap("Literal")
	require.NoError(t, err)
	assert.Equal(t, OverlapLiteral, o)
	assert.Equal(t, "literal", o.String())

	_, err = ParseOverlap("fuzzy")
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}
