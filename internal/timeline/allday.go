package timeline

import (
	"fmt"
	"time"

	"inkcal/internal/model"
)

// IsAllDay reports whether ev starts and ends on midnight of its own clock
// and lasts at least one day. A record without begin or end fails with
// model.ErrInvalidEvent.
func IsAllDay(ev model.EventRecord) (bool, error) {
	if ev.Begin.IsZero() || ev.End.IsZero() {
		return false, fmt.Errorf("%w: event %q must have a begin and an end", model.ErrInvalidEvent, ev.Title)
	}
	return isMidnight(ev.Begin) && isMidnight(ev.End) && ev.End.Sub(ev.Begin) >= 24*time.Hour, nil
}
