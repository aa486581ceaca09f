// Package backup implements the replication core: planning the time range
// of a job, filtering measurements and fields, copying chunks between the
// source and destination endpoints and orchestrating one run.
package backup

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Interval is a half-open time interval [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339Nano), i.End.Format(time.RFC3339Nano))
}

// Duration returns the width of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Plan is an ordered list of contiguous intervals covering the planned
// range of one measurement.
type Plan []Interval

// Empty reports whether there is nothing to copy.
func (p Plan) Empty() bool { return len(p) == 0 }

// Range returns the full interval covered by the plan.
func (p Plan) Range() Interval {
	if p.Empty() {
		return Interval{}
	}
	return Interval{Start: p[0].Start, End: p[len(p)-1].End}
}

// PlanRequest carries the inputs of NewPlan. Zero times mean unknown.
type PlanRequest struct {
	// Mode is "range" or "incremental".
	Mode string

	// StartDate and EndDate bound range mode.
	StartDate time.Time
	EndDate   time.Time

	// Period is the optional backup_period. In range mode it infers the
	// end from the start, in incremental mode it clamps the start.
	Period time.Duration

	// ChunkDays is the maximum width of one interval, in days.
	ChunkDays int

	// FallbackDays bounds the initial incremental window when neither
	// the destination nor the source suggest a start.
	FallbackDays int

	// Last is the newest timestamp the destination already has. Points
	// at or before it are never copied again.
	Last time.Time

	// First is the oldest timestamp of the source measurement.
	First time.Time

	Now time.Time
}

// NewPlan resolves the [start, end) range of a request and splits it into
// chunks. Chunk boundaries are aligned to the start instant.
func NewPlan(req PlanRequest) (Plan, error) {
	var start, end time.Time

	switch req.Mode {
	case "range":
		if req.StartDate.IsZero() {
			return nil, errors.New("range mode requires a start date")
		}
		start = req.StartDate
		switch {
		case !req.EndDate.IsZero():
			end = req.EndDate
		case req.Period > 0:
			end = start.Add(req.Period)
		default:
			return nil, errors.New("range mode requires an end date or a period")
		}
	case "incremental":
		end = req.Now
		switch {
		case !req.Last.IsZero():
			// Strictly after the destination's newest point.
			start = req.Last.Add(time.Nanosecond)
		case !req.First.IsZero():
			start = req.First
		default:
			start = req.Now.AddDate(0, 0, -req.FallbackDays)
		}
		if req.Period > 0 {
			if floor := end.Add(-req.Period); start.Before(floor) {
				start = floor
			}
		}
	default:
		return nil, errors.Errorf("unknown mode %q", req.Mode)
	}

	if !start.Before(end) {
		return nil, nil
	}

	width := time.Duration(req.ChunkDays) * 24 * time.Hour
	if width <= 0 {
		return nil, errors.Errorf("invalid chunk width of %d days", req.ChunkDays)
	}

	var plan Plan
	for t := start; t.Before(end); t = t.Add(width) {
		next := t.Add(width)
		if next.After(end) {
			next = end
		}
		plan = append(plan, Interval{Start: t, End: next})
	}
	return plan, nil
}
