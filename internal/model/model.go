package model

import (
	"fmt"
	"time"
)

// EventRecord is one resolved occurrence on the display timeline, after
// recurrence expansion and timezone normalization.
type EventRecord struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// Title is the event SUMMARY with surrounding whitespace removed.
	Title    string
	Location string

	// Begin / End are either converted into the requested timezone or, for
	// midnight anchors, left on their original clock.
	Begin time.Time
	End   time.Time

	AllDay    bool
	Recurring bool
}

// Duration returns End - Begin.
func (e EventRecord) Duration() time.Duration {
	return e.End.Sub(e.Begin)
}

// Window is the [Start, End] instant range a caller wants events for.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates that start does not come after end.
func NewWindow(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() {
		return Window{}, fmt.Errorf("%w: window bounds must be set", ErrInvalidInput)
	}
	if end.Before(start) {
		return Window{}, fmt.Errorf("%w: window end %s is before start %s",
			ErrInvalidInput, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}
