// Package timeline resolves calendar documents into a flat, time-sorted list
// of events for a display window.
//
// An Engine owns the documents it was given and an accumulating list of
// resolved events. Each call to Events appends the occurrences found in the
// requested window and re-sorts the whole list by begin time; Clear is the
// only way to reset it. An Engine is not safe for concurrent use.
package timeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// Expander materializes occurrences of recurring events in a document
// between two window bounds.
type Expander interface {
	Between(doc *ics.Document, start, end ics.Fields) ([]ics.Occurrence, error)
}

// Loader fetches and parses a remote calendar source.
type Loader interface {
	Fetch(ctx context.Context, src ics.Source, creds *ics.Credentials) (*ics.Document, error)
}

// Overlap selects the window test applied to single (non-recurring) events.
type Overlap int

const (
	// OverlapStandard keeps an event when begin <= window end and
	// end >= window start.
	OverlapStandard Overlap = iota
	// OverlapLiteral keeps an event only when window start <= begin <=
	// window end and window end <= end <= window start, which only a
	// degenerate window can satisfy. It exists for parity with older
	// deployments.
	OverlapLiteral
)

// ParseOverlap maps "standard" / "literal" to an Overlap.
func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return OverlapStandard, nil
	case "literal":
		return OverlapLiteral, nil
	default:
		return OverlapStandard, fmt.Errorf("%w: unknown overlap mode %q", model.ErrInvalidInput, s)
	}
}

func (o Overlap) String() string {
	if o == OverlapLiteral {
		return "literal"
	}
	return "standard"
}

func (o Overlap) match(begin, end time.Time, w model.Window) bool {
	if o == OverlapLiteral {
		return !begin.Before(w.Start) && !begin.After(w.End) &&
			!end.Before(w.End) && !end.After(w.Start)
	}
	return !begin.After(w.End) && !end.Before(w.Start)
}

type Option func(*Engine)

// WithExpander replaces the recurrence expander. Passing nil makes New fail
// with model.ErrMissingDependency.
func WithExpander(x Expander) Option {
	return func(e *Engine) { e.expander = x }
}

func WithLoader(l Loader) Option {
	return func(e *Engine) { e.loader = l }
}

func WithOverlap(o Overlap) Option {
	return func(e *Engine) { e.overlap = o }
}

type Engine struct {
	expander Expander
	loader   Loader
	overlap  Overlap

	docs   []*ics.Document
	events []model.EventRecord
}

// New creates an Engine with an empty document store and event list. By
// default recurrences are expanded with ics.RRuleExpander and remote
// sources are fetched with an ics.Fetcher caching under the temp dir.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		expander: ics.RRuleExpander{},
		loader:   ics.NewFetcher(filepath.Join(os.TempDir(), "inkcal-ics-cache")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.expander == nil {
		return nil, fmt.Errorf("%w: no recurrence expander configured", model.ErrMissingDependency)
	}
	return e, nil
}

// Add appends parsed documents to the store in order. Documents are not
// merged or de-duplicated. If any document is nil nothing is added.
func (e *Engine) Add(docs ...*ics.Document) error {
	for i, d := range docs {
		if d == nil {
			return fmt.Errorf("%w: document %d is nil", model.ErrInvalidInput, i)
		}
	}
	e.docs = append(e.docs, docs...)
	return nil
}

// AddSources fetches and parses every source, then adds them all. A single
// failure fails the whole call and nothing is added.
func (e *Engine) AddSources(ctx context.Context, srcs []ics.Source, creds *ics.Credentials) error {
	if len(srcs) == 0 {
		return fmt.Errorf("%w: no sources given", model.ErrInvalidInput)
	}
	if e.loader == nil {
		return fmt.Errorf("%w: no calendar loader configured", model.ErrMissingDependency)
	}

	docs := make([]*ics.Document, 0, len(srcs))
	for _, src := range srcs {
		doc, err := e.loader.Fetch(ctx, src, creds)
		if err != nil {
			return fmt.Errorf("load %s: %w", src.ID, err)
		}
		docs = append(docs, doc)
	}

	if err := e.Add(docs...); err != nil {
		return err
	}
	appLog.Info("loaded calendars from URLs", "count", len(docs))
	return nil
}

// AddFiles reads and parses every path, then adds them all. A single
// failure fails the whole call and nothing is added.
func (e *Engine) AddFiles(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no paths given", model.ErrInvalidInput)
	}

	docs := make([]*ics.Document, 0, len(paths))
	for _, p := range paths {
		doc, err := ics.LoadFile(p)
		if err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		docs = append(docs, doc)
	}

	if err := e.Add(docs...); err != nil {
		return err
	}
	appLog.Info("loaded calendars from files", "count", len(docs))
	return nil
}

// Documents returns the number of documents in the store.
func (e *Engine) Documents() int {
	return len(e.docs)
}

// Events resolves every document against the window [start, end], appends
// the result to the accumulated event list, re-sorts it by begin time and
// returns a copy of the whole list. tz names the display timezone ("" means
// UTC); see LoadTimezone.
//
// Calling Events twice without Clear returns each matching event twice.
func (e *Engine) Events(start, end time.Time, tz string) ([]model.EventRecord, error) {
	w, err := model.NewWindow(start, end)
	if err != nil {
		return nil, err
	}
	loc, err := LoadTimezone(tz)
	if err != nil {
		return nil, err
	}

	var single, recurring []model.EventRecord
	for _, doc := range e.docs {
		single = append(single, filterSingle(doc, w, loc, e.overlap)...)

		occ, err := e.expander.Between(doc, ics.FieldsOf(w.Start.UTC()), ics.FieldsOf(w.End.UTC()))
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", doc.Source.ID, err)
		}
		for _, o := range occ {
			recurring = append(recurring, newRecord(doc, o.Entry, o.Start, o.End, loc, true))
		}
	}

	e.merge(single)
	e.merge(recurring)

	appLog.Debug("timeline resolved",
		"window_start", w.Start.Format(time.RFC3339),
		"window_end", w.End.Format(time.RFC3339),
		"timezone", loc.String(),
		"single", len(single),
		"recurring", len(recurring),
		"total", len(e.events),
	)

	out := make([]model.EventRecord, len(e.events))
	copy(out, e.events)
	return out, nil
}

// Clear drops every accumulated event. Loaded documents are kept.
func (e *Engine) Clear() {
	e.events = nil
}

// merge appends records and restores ascending begin order. Ties keep
// their existing relative order.
func (e *Engine) merge(records []model.EventRecord) {
	if len(records) == 0 {
		return
	}
	e.events = append(e.events, records...)
	sort.SliceStable(e.events, func(i, j int) bool {
		return e.events[i].Begin.Before(e.events[j].Begin)
	})
}

// filterSingle selects the non-recurring entries of doc that fall inside
// the window.
func filterSingle(doc *ics.Document, w model.Window, loc *time.Location, overlap Overlap) []model.EventRecord {
	var out []model.EventRecord
	for _, entry := range doc.Entries() {
		if entry.IsRecurring() || entry.IsOverride() {
			continue
		}
		begin, end, _, err := entry.Span()
		if err != nil {
			appLog.Debug("timeline: skipping event with unusable times", "source", doc.Source.ID, "uid", entry.UID(), "err", err.Error())
			continue
		}
		if !overlap.match(begin, end, w) {
			continue
		}
		out = append(out, newRecord(doc, entry, begin, end, loc, false))
	}
	return out
}

func newRecord(doc *ics.Document, entry ics.Entry, begin, end time.Time, loc *time.Location, recurring bool) model.EventRecord {
	rec := model.EventRecord{
		SourceID:  doc.Source.ID,
		UID:       entry.UID(),
		Title:     strings.TrimSpace(entry.Text(ics.PropSummary)),
		Location:  strings.TrimSpace(entry.Text(ics.PropLocation)),
		Begin:     Normalize(begin, loc),
		End:       Normalize(end, loc),
		Recurring: recurring,
	}
	rec.AllDay, _ = IsAllDay(rec)
	return rec
}
