package timeline

import (
	"fmt"
	"io"
	"text/tabwriter"

	"inkcal/internal/model"
)

// DefaultTableLayout renders like "10 Jan 24 16:00".
const DefaultTableLayout = "02 Jan 06 15:04"

// WriteTable prints one line per event as "title | begin | end" with the
// title column padded to the longest title. layout is a time layout; empty
// means DefaultTableLayout.
func WriteTable(w io.Writer, events []model.EventRecord, layout string) error {
	if layout == "" {
		layout = DefaultTableLayout
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, ev := range events {
		if _, err := fmt.Fprintf(tw, "%s\t| %s\t| %s\n", ev.Title, ev.Begin.Format(layout), ev.End.Format(layout)); err != nil {
			return err
		}
	}
	return tw.Flush()
}
