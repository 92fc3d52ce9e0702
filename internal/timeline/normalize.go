package timeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"inkcal/internal/model"
)

// Normalize moves t into loc unless t sits on midnight (00:00) of its own
// clock. Midnight instants are treated as all-day anchors and keep their
// original clock so the calendar date they name does not shift. Begin and
// end of an event are normalized independently.
func Normalize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if isMidnight(t) {
		return t
	}
	return t.In(loc)
}

// isMidnight compares hours and minutes only.
func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0
}

var offsetRe = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})?$`)

// LoadTimezone resolves a display timezone. "" and "UTC" give UTC, fixed
// offsets such as "+05:00", "-0330" or "+02" give a fixed zone named in
// "+hh:mm" form, anything else is looked up as an IANA name.
func LoadTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") || name == "Z" {
		return time.UTC, nil
	}

	if m := offsetRe.FindStringSubmatch(name); m != nil {
		hours, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || mins > 59 {
			return nil, fmt.Errorf("%w: offset out of range %q", model.ErrInvalidInput, name)
		}
		secs := hours*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(fmt.Sprintf("%s%02d:%02d", m[1], hours, mins), secs), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q: %v", model.ErrInvalidInput, name, err)
	}
	return loc, nil
}
