package ics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// eventQuery asks for whole VEVENTs without a time range; recurrence
// masters must come back intact for local expansion.
var eventQuery = &caldav.CalendarQuery{
	CompRequest: caldav.CalendarCompRequest{
		Name:     "VCALENDAR",
		AllProps: true,
		Comps: []caldav.CalendarCompRequest{{
			Name:     "VEVENT",
			AllProps: true,
		}},
	},
	CompFilter: caldav.CompFilter{
		Name:  "VCALENDAR",
		Comps: []caldav.CompFilter{{Name: "VEVENT"}},
	},
}

// FetchCalDAV queries every calendar of the CalDAV principal behind
// src.URL and merges their events into one Document. Any failing calendar
// fails the whole source.
func (f *Fetcher) FetchCalDAV(ctx context.Context, src Source, creds *Credentials) (*Document, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("%w: source URL is empty", model.ErrInvalidInput)
	}

	transport := &basicAuthTransport{creds: creds, base: http.DefaultTransport}
	httpClient := &http.Client{Timeout: f.client.Timeout, Transport: transport}

	client, err := caldav.NewClient(httpClient, src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: caldav client for %s: %v", model.ErrInvalidInput, redactURL(src.URL), err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, transport.classify("find principal", src, err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, transport.classify("find calendar home", src, err)
	}
	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, transport.classify("find calendars", src, err)
	}

	var objects []*goical.Calendar
	for _, cal := range cals {
		if !wantCalendar(src.Calendars, cal.Name) {
			continue
		}
		objs, err := client.QueryCalendar(ctx, cal.Path, eventQuery)
		if err != nil {
			return nil, transport.classify("query calendar "+cal.Name, src, err)
		}
		for _, obj := range objs {
			if obj.Data != nil {
				objects = append(objects, obj.Data)
			}
		}
		appLog.Debug("caldav calendar queried", "id", src.ID, "calendar", cal.Name, "objects", len(objs))
	}

	return documentFromObjects(src, objects)
}

// documentFromObjects re-encodes CalDAV objects and merges their VEVENTs
// into a single Document, keeping server order.
func documentFromObjects(src Source, objects []*goical.Calendar) (*Document, error) {
	merged := ical.NewCalendar()
	for _, obj := range objects {
		var buf bytes.Buffer
		if err := goical.NewEncoder(&buf).Encode(obj); err != nil {
			appLog.Warn("caldav: skipping object that cannot be encoded", "id", src.ID, "err", err.Error())
			continue
		}
		cal, err := ical.ParseCalendar(&buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrParse, src.ID, err)
		}
		for _, ev := range cal.Events() {
			merged.AddVEvent(ev)
		}
	}
	return newDocument(src, merged), nil
}

func wantCalendar(names []string, name string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// basicAuthTransport adds basic auth to HTTP requests and remembers
// whether the server ever refused the credentials.
type basicAuthTransport struct {
	creds  *Credentials
	base   http.RoundTripper
	denied atomic.Bool
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.creds.set() {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.creds.Username, t.creds.Password)
	}
	resp, err := t.base.RoundTrip(req)
	if err == nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		t.denied.Store(true)
	}
	return resp, err
}

func (t *basicAuthTransport) classify(step string, src Source, err error) error {
	appLog.Error("caldav "+step+" failed", err, "id", src.ID, "url", redactURL(src.URL))
	if t.denied.Load() {
		return fmt.Errorf("%w: caldav %s: %v", model.ErrAuth, step, err)
	}
	return fmt.Errorf("%w: caldav %s: %v", model.ErrNetwork, step, err)
}
