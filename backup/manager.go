package backup

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/telemetria/backflux/config"
	"github.com/telemetria/backflux/influxdb"
	"github.com/telemetria/backflux/services/logging"
)

// Manager runs one replication job end to end: it resolves the database
// mappings, filters measurements and fields, plans the time range of each
// measurement and drives the chunk transfers in increasing time order.
type Manager struct {
	job    *config.Job
	source influxdb.Client
	dest   influxdb.Client
	logger *log.Logger
	clock  clock.Clock
}

type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func NewManager(job *config.Job, source, dest influxdb.Client, li logging.Interface, opts ...Option) *Manager {
	m := &Manager{
		job:    job,
		source: source,
		dest:   dest,
		logger: li.NewLogger("[backup] ", log.LstdFlags),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes the job once. A failed measurement is recorded in the
// report and the run continues; the returned error is non-nil only for
// failures that invalidate the whole run, such as an unreachable
// endpoint.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	started := m.clock.Now()
	report := &Report{}

	m.logResume()

	if _, _, err := m.source.Ping(ctx); err != nil {
		return nil, errors.Wrapf(err, "ping source %s", m.job.Source.URL)
	}
	if _, _, err := m.dest.Ping(ctx); err != nil {
		return nil, errors.Wrapf(err, "ping destination %s", m.job.Destination.URL)
	}

	mappings, err := m.resolveDatabases(ctx)
	if err != nil {
		return nil, err
	}

	for _, mapping := range mappings {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := m.runDatabase(ctx, mapping, report); err != nil {
			// A broken database fails its own measurements only; the
			// remaining mappings still run.
			m.failDatabase(report, mapping.Name, err)
			continue
		}
		report.Databases++
	}

	report.Elapsed = m.clock.Now().Sub(started)
	m.logger.Printf("I! run finished: %s", report)
	return report, nil
}

// logResume logs the job configuration once at startup. Credentials are
// never logged.
func (m *Manager) logResume() {
	o := m.job.Options
	m.logger.Printf("I! job: %s -> %s, mode %s, group_by %q, chunk_days %d, retries %d",
		m.job.Source.URL, m.job.Destination.URL, o.Mode, m.job.Source.GroupBy, o.ChunkDays, o.Retries)
	if len(m.job.Source.Databases) == 0 {
		m.logger.Print("D! no databases listed, copying the full source catalogue")
	}
}

// resolveDatabases returns the configured mappings, or the source
// catalogue minus _internal when none are configured.
func (m *Manager) resolveDatabases(ctx context.Context) ([]config.Database, error) {
	if len(m.job.Source.Databases) > 0 {
		return m.job.Source.Databases, nil
	}
	names, err := m.source.Databases(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve source databases")
	}
	var mappings []config.Database
	for _, name := range names {
		if name == "_internal" {
			continue
		}
		mappings = append(mappings, config.Database{
			Name:   name,
			Prefix: m.job.Source.Prefix,
			Suffix: m.job.Source.Suffix,
		})
	}
	return mappings, nil
}

func (m *Manager) runDatabase(ctx context.Context, mapping config.Database, report *Report) error {
	destDB := mapping.DestinationName()
	err := m.retry(ctx, destDB, func() error {
		return m.dest.EnsureDatabase(ctx, destDB)
	})
	if err != nil {
		return errors.Wrapf(err, "ensure destination database %q", destDB)
	}

	var names []string
	err = m.retry(ctx, mapping.Name, func() error {
		var qerr error
		names, qerr = m.source.Measurements(ctx, mapping.Name)
		return qerr
	})
	if err != nil {
		return errors.Wrapf(err, "list measurements of %q", mapping.Name)
	}
	names = FilterMeasurements(names, m.job.Measurements.Include, m.job.Measurements.Exclude)
	m.logger.Printf("I! database %q -> %q: %d measurements selected", mapping.Name, destDB, len(names))

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil
		}
		m.runMeasurement(ctx, mapping.Name, destDB, name, report)
	}
	return nil
}

// runMeasurement copies one measurement. Failures are folded into the
// report so the remaining measurements still run.
func (m *Manager) runMeasurement(ctx context.Context, sourceDB, destDB, name string, report *Report) {
	incremental := m.job.Options.Mode == "incremental"

	var fields []influxdb.Field
	err := m.retry(ctx, name, func() error {
		var qerr error
		fields, qerr = m.source.FieldKeys(ctx, sourceDB, name)
		return qerr
	})
	if err != nil {
		m.fail(report, sourceDB, name, Interval{}, errors.Wrap(err, "field keys"))
		return
	}
	fields = FilterFields(fields, m.job.Measurements.FieldPolicyFor(name))
	if len(fields) == 0 {
		m.logger.Printf("D! %s.%s: no fields selected, skipping", sourceDB, name)
		report.Skipped++
		return
	}

	if incremental {
		fields, err = m.pruneObsolete(ctx, destDB, name, fields)
		if err != nil {
			m.fail(report, sourceDB, name, Interval{}, errors.Wrap(err, "obsolescence check"))
			return
		}
		if len(fields) == 0 {
			m.logger.Printf("I! %s.%s: all fields obsolete, skipping", sourceDB, name)
			report.Skipped++
			return
		}
	}

	plan, err := m.plan(ctx, sourceDB, destDB, name)
	if err != nil {
		m.fail(report, sourceDB, name, Interval{}, errors.Wrap(err, "plan"))
		return
	}
	if plan.Empty() {
		m.logger.Printf("D! %s.%s: nothing to copy", sourceDB, name)
		report.Measurements++
		return
	}
	m.logger.Printf("D! %s.%s: planned %s in %d chunks", sourceDB, name, plan.Range(), len(plan))

	groupBy, _ := config.ParsePeriod(m.job.Source.GroupBy)
	if m.job.Source.GroupBy == "" {
		groupBy = 0
	}
	transfer := &Transfer{
		Source:        m.source,
		Destination:   m.dest,
		SourceDB:      sourceDB,
		DestDB:        destDB,
		Measurement:   name,
		Fields:        fields,
		GroupBy:       groupBy,
		BatchSize:     DefaultBatchSize,
		Retries:       m.job.Options.Retries,
		RetryInterval: m.job.Options.RetryInterval(),
		Logger:        m.logger,
	}

	var read, written int
	for _, chunk := range plan {
		if err := ctx.Err(); err != nil {
			return
		}
		stats, err := transfer.CopyChunk(ctx, chunk)
		read += stats.Read
		written += stats.Written
		if err != nil {
			report.PointsRead += read
			report.PointsWritten += written
			m.fail(report, sourceDB, name, chunk, err)
			return
		}
	}
	report.PointsRead += read
	report.PointsWritten += written
	report.Measurements++
	m.logger.Printf("I! %s.%s: %d points read, %d written", sourceDB, name, read, written)
}

// plan computes the chunked range of one measurement from the job mode
// and the state of both endpoints.
func (m *Manager) plan(ctx context.Context, sourceDB, destDB, name string) (Plan, error) {
	o := m.job.Options
	req := PlanRequest{
		Mode:         o.Mode,
		ChunkDays:    o.ChunkDays,
		FallbackDays: o.Incremental.FallbackDays,
		Now:          m.clock.Now().UTC(),
	}
	req.StartDate, _ = o.StartTime()
	req.EndDate, _ = o.EndTime()
	req.Period, _ = o.Period()

	if o.Mode == "incremental" {
		var last time.Time
		err := m.retry(ctx, name, func() error {
			var qerr error
			last, qerr = m.dest.LastTimestamp(ctx, destDB, name)
			return qerr
		})
		if err != nil {
			return nil, errors.Wrap(err, "destination last timestamp")
		}
		req.Last = last
		if last.IsZero() {
			err := m.retry(ctx, name, func() error {
				var qerr error
				req.First, qerr = m.source.FirstTimestamp(ctx, sourceDB, name)
				return qerr
			})
			if err != nil {
				return nil, errors.Wrap(err, "source first timestamp")
			}
		}
	}
	return NewPlan(req)
}

// pruneObsolete drops fields whose destination value is older than the
// obsolescence threshold. Fields the destination has never seen are kept.
func (m *Manager) pruneObsolete(ctx context.Context, destDB, name string, fields []influxdb.Field) ([]influxdb.Field, error) {
	var last time.Time
	err := m.retry(ctx, name, func() error {
		var qerr error
		last, qerr = m.dest.LastTimestamp(ctx, destDB, name)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		// Empty destination measurement, nothing can be obsolete.
		return fields, nil
	}

	horizon := m.clock.Now().UTC().AddDate(0, 0, -m.job.Options.ObsoleteDays)
	var active []influxdb.Field
	for _, f := range fields {
		var ts time.Time
		err := m.retry(ctx, name, func() error {
			var qerr error
			ts, qerr = m.dest.LastFieldTimestamp(ctx, destDB, name, f.Name)
			return qerr
		})
		if err != nil {
			return nil, errors.Wrapf(err, "last value of %q", f.Name)
		}
		if !ts.IsZero() && ts.Before(horizon) {
			m.logger.Printf("D! %s: field %q is obsolete, last value at %s", name, f.Name, ts.Format(time.RFC3339))
			continue
		}
		active = append(active, f)
	}
	return active, nil
}

// retry wraps metadata lookups in the same policy the transfer applies to
// data queries, so a transient 503 on a timestamp or field-key query does
// not fail the measurement.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	o := m.job.Options
	return retryTransient(ctx, m.logger, o.Retries, o.RetryInterval(), op, fn)
}

func (m *Manager) fail(report *Report, db, measurement string, window Interval, err error) {
	report.Failed = append(report.Failed, MeasurementError{
		Database:    db,
		Measurement: measurement,
		Window:      window,
		Err:         err,
	})
	m.logger.Printf("E! %s.%s %s failed: %v", db, measurement, window, err)
}

func (m *Manager) failDatabase(report *Report, db string, err error) {
	report.Failed = append(report.Failed, MeasurementError{Database: db, Err: err})
	m.logger.Printf("E! database %s failed: %v", db, err)
}
