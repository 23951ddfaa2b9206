// Package analysis implements the three analysis kinds the gateway runs.
// Each kind produces one record per unit (sprint or week) plus a final
// aggregate computed once over the full set.
package analysis

import (
	"context"
	"time"

	"github.com/sprintlens/sprintlens/pkg/types"
)

// Unit is one item of work: a sprint to analyze, or one week of a user's
// activity. Concrete unit types are private to each analysis.
type Unit any

// Analysis is one job kind's computation, consumed by the engine. FetchUnits
// is the only call expected to hit the tracker for every kind; AnalyzeUnit
// may issue further tracker calls for per-sprint detail.
type Analysis interface {
	Kind() types.JobKind

	// Validate rejects bad input synchronously, before a task exists.
	Validate(params types.Params) error

	// FetchUnits retrieves the ordered units to analyze.
	FetchUnits(ctx context.Context, params types.Params) ([]Unit, error)

	// AnalyzeUnit computes the record for one unit.
	AnalyzeUnit(ctx context.Context, params types.Params, unit Unit) (any, error)

	// Finalize aggregates the full record set into the task result. It runs
	// once, after every unit succeeded.
	Finalize(params types.Params, records []any) any
}

// trackerTimeLayouts covers the timestamp formats the tracker emits.
var trackerTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02",
}

func parseTrackerTime(s string) (time.Time, bool) {
	for _, layout := range trackerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// dateOnly trims a tracker timestamp to its date part for display.
func dateOnly(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}
