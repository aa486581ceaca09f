package backup

import (
	"fmt"
	"time"
)

// Status is the outcome of one run.
type Status int

const (
	// StatusSuccess means every selected measurement was copied.
	StatusSuccess Status = iota
	// StatusPartial means at least one measurement failed. The run still
	// copied everything else.
	StatusPartial
)

func (s Status) String() string {
	if s == StatusPartial {
		return "partial"
	}
	return "success"
}

// MeasurementError records one failed measurement.
type MeasurementError struct {
	Database    string
	Measurement string
	Window      Interval
	Err         error
}

func (e MeasurementError) Error() string {
	return fmt.Sprintf("%s.%s %s: %v", e.Database, e.Measurement, e.Window, e.Err)
}

// Report aggregates the counters of one run. It lives in memory only;
// resumption never depends on it.
type Report struct {
	Databases    int
	Measurements int
	Skipped      int
	Failed       []MeasurementError

	PointsRead    int
	PointsWritten int

	Elapsed time.Duration
}

// Status returns partial when any measurement failed.
func (r *Report) Status() Status {
	if len(r.Failed) > 0 {
		return StatusPartial
	}
	return StatusSuccess
}

func (r *Report) String() string {
	return fmt.Sprintf(
		"databases=%d measurements=%d skipped=%d failed=%d read=%d written=%d elapsed=%s status=%s",
		r.Databases, r.Measurements, r.Skipped, len(r.Failed),
		r.PointsRead, r.PointsWritten, r.Elapsed, r.Status(),
	)
}
