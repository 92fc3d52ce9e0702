package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goical "github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkcal/internal/model"
)

func decodeObject(t *testing.T, body []byte) *goical.Calendar {
	t.Helper()
	cal, err := goical.NewDecoder(strings.NewReader(string(body))).Decode()
	require.NoError(t, err)
	return cal
}

func TestDocumentFromObjects(t *testing.T) {
	first := decodeObject(t, calendar(
		"BEGIN:VEVENT",
		"UID:one",
		"DTSTAMP:20240101T000000Z",
		"SUMMARY:Dentist",
		"DTSTART:20240305T080000Z",
		"DTEND:20240305T090000Z",
		"END:VEVENT",
	))
	second := decodeObject(t, calendar(
		"BEGIN:VEVENT",
		"UID:two",
		"DTSTAMP:20240101T000000Z",
		"SUMMARY:Gym",
		"DTSTART:20240304T180000Z",
		"DTEND:20240304T190000Z",
		"RRULE:FREQ=WEEKLY",
		"END:VEVENT",
	))

	src := Source{ID: "dav", URL: "https://dav.example.com/", Kind: KindCalDAV}
	doc, err := documentFromObjects(src, []*goical.Calendar{first, second})
	require.NoError(t, err)

	require.Len(t, doc.Entries(), 2)
	assert.Equal(t, "one", doc.Entries()[0].UID())
	assert.Equal(t, "Gym", doc.Entries()[1].Text(PropSummary))
	assert.True(t, doc.Entries()[1].IsRecurring())
	assert.Equal(t, src, doc.Source)

	occ, err := RRuleExpander{}.Between(doc, Fields{Year: 2024, Month: 3, Day: 1}, Fields{Year: 2024, Month: 3, Day: 15})
	require.NoError(t, err)
	assert.Len(t, occ, 2)
}

func TestDocumentFromObjects_Empty(t *testing.T) {
	doc, err := documentFromObjects(Source{ID: "dav"}, nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Entries())
}

func TestWantCalendar(t *testing.T) {
	assert.True(t, wantCalendar(nil, "Work"))
	assert.True(t, wantCalendar([]string{"home", "work"}, "Work"))
	assert.False(t, wantCalendar([]string{"home"}, "Work"))
}

func TestFetchCalDAV_Errors(t *testing.T) {
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer denied.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	f := NewFetcher(t.TempDir())
	ctx := context.Background()

	_, err := f.Fetch(ctx, Source{ID: "dav", URL: denied.URL, Kind: KindCalDAV}, &Credentials{Username: "u", Password: "bad"})
	assert.True(t, errors.Is(err, model.ErrAuth), "got %v", err)

	_, err = f.Fetch(ctx, Source{ID: "dav", URL: broken.URL, Kind: KindCalDAV}, nil)
	assert.True(t, errors.Is(err, model.ErrNetwork), "got %v", err)

	_, err = f.FetchCalDAV(ctx, Source{ID: "dav", Kind: KindCalDAV}, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput), "got %v", err)
}

func TestParseSourceKind(t *testing.T) {
	k, err := ParseSourceKind("")
	require.NoError(t, err)
	assert.Equal(t, KindICS, k)

	k, err = ParseSourceKind(" CalDAV ")
	require.NoError(t, err)
	assert.Equal(t, KindCalDAV, k)

	_, err = ParseSourceKind("webcal")
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}
