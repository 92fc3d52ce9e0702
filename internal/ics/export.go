package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"inkcal/internal/model"
)

// exportUID derives a stable UID per exported occurrence. Occurrences of
// one recurring event share ev.UID, so the begin time is mixed in. dup
// counts earlier records with the same key and is only used when non-zero.
func exportUID(ev model.EventRecord, dup int) string {
	name := uidKey(ev)
	if dup > 0 {
		name = fmt.Sprintf("%s|%d", name, dup)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String() + "@inkcal"
}

func uidKey(ev model.EventRecord) string {
	return fmt.Sprintf("%s|%s|%d", ev.SourceID, ev.UID, ev.Begin.Unix())
}

// Export writes resolved events as a flat VCALENDAR, one VEVENT per
// occurrence. All-day records are written as DATE values.
func Export(w io.Writer, events []model.EventRecord) error {
	cal := ical.NewCalendar()
	cal.SetProductId("-//inkcal//timeline//EN")
	cal.SetMethod(ical.MethodPublish)

	now := time.Now().UTC()
	seen := make(map[string]int, len(events))
	for _, ev := range events {
		key := uidKey(ev)
		vev := cal.AddEvent(exportUID(ev, seen[key]))
		seen[key]++
		vev.SetDtStampTime(now)
		vev.SetSummary(ev.Title)
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Begin)
			vev.SetAllDayEndAt(ev.End)
		} else {
			vev.SetStartAt(ev.Begin)
			vev.SetEndAt(ev.End)
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	return nil
}
