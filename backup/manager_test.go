package backup_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	imodels "github.com/influxdata/influxdb/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetria/backflux/backup"
	"github.com/telemetria/backflux/config"
	"github.com/telemetria/backflux/influxdb"
	"github.com/telemetria/backflux/services/logging/loggingtest"
)

func parseJob(t *testing.T, doc string) *config.Job {
	t.Helper()
	job, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return job
}

func newManager(t *testing.T, job *config.Job, source, dest *fakeClient, now time.Time) *backup.Manager {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(now)
	return backup.NewManager(job, source, dest, loggingtest.New(), backup.WithClock(mock))
}

// Fresh incremental run against an empty destination: the source points
// arrive unchanged.
func TestManager_FreshIncremental(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  group_by: ""
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  chunk_days: 1
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.First["telegraf.m"] = date("2024-01-01T00:00:00Z")
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		return []imodels.Row{{
			Name:    "m",
			Columns: []string{"time", "v"},
			Values: [][]interface{}{
				{"2024-01-01T00:00:00Z", json.Number("1")},
				{"2024-01-01T00:05:00Z", json.Number("2")},
				{"2024-01-01T00:10:00Z", json.Number("3")},
			},
		}}, nil
	}
	dest := newFakeClient()

	m := newManager(t, job, source, dest, date("2024-01-01T00:15:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, backup.StatusSuccess, report.Status())
	assert.Equal(t, []string{"telegraf"}, dest.Created)

	points := dest.Written["telegraf"]
	require.Len(t, points, 3)
	assert.Equal(t, date("2024-01-01T00:00:00Z"), points[0].Time)
	assert.Equal(t, map[string]interface{}{"v": 1.0}, points[0].Fields)
	assert.Equal(t, date("2024-01-01T00:10:00Z"), points[2].Time)
	assert.Equal(t, 3, report.PointsWritten)
}

// An incremental run resumes strictly after the destination's newest
// point, so the boundary point is not copied again.
func TestManager_IncrementalResume(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  group_by: ""
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  chunk_days: 1
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		// The window must open just after the destination's last point.
		assert.Contains(t, q.Command, "time >= '2024-01-01T00:05:00.000000001Z'")
		return []imodels.Row{{
			Name:    "m",
			Columns: []string{"time", "v"},
			Values: [][]interface{}{
				{"2024-01-01T00:10:00Z", json.Number("3")},
				{"2024-01-01T00:20:00Z", json.Number("4")},
			},
		}}, nil
	}

	dest := newFakeClient()
	dest.Last["telegraf.m"] = date("2024-01-01T00:05:00Z")
	dest.FieldLast["telegraf.m.v"] = date("2024-01-01T00:05:00Z")

	m := newManager(t, job, source, dest, date("2024-01-01T00:25:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, dest.Written["telegraf"], 2)
	assert.Equal(t, 2, report.PointsWritten)
}

// Retry exhaustion fails the measurement but not the run; the report
// turns partial.
func TestManager_RetryExhaustion(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  retries: 2
  retry_delay: 0
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m", "healthy"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.Fields["telegraf.healthy"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.First["telegraf.m"] = date("2024-01-01T00:00:00Z")
	source.First["telegraf.healthy"] = date("2024-01-01T00:00:00Z")
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		return []imodels.Row{{
			Name:    "m",
			Columns: []string{"time", "mean_v"},
			Values:  [][]interface{}{{"2024-01-01T00:00:00Z", json.Number("1")}},
		}}, nil
	}

	dest := newFakeClient()
	writes := 0
	dest.WriteFunc = func(db string, points []influxdb.Point) error {
		if writes++; strings.Contains(db, "telegraf") {
			return &influxdb.Error{Kind: influxdb.KindTransient, StatusCode: 503, Msg: "unavailable"}
		}
		return nil
	}

	m := newManager(t, job, source, dest, date("2024-01-02T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, backup.StatusPartial, report.Status())
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "m", report.Failed[0].Measurement)
	// retries+1 attempts per measurement.
	assert.Equal(t, 6, writes)
}

// With no configured databases the source catalogue is copied, except
// _internal, with derived destination names.
func TestManager_AllDatabasesExpansion(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  prefix: bk_
destination:
  url: http://dest:8086
options: {}
`)

	source := newFakeClient()
	source.DatabaseList = []string{"telegraf", "ops", "_internal"}
	dest := newFakeClient()

	m := newManager(t, job, source, dest, date("2024-01-01T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"bk_telegraf", "bk_ops"}, dest.Created)
	assert.Equal(t, 2, report.Databases)
	assert.Equal(t, backup.StatusSuccess, report.Status())
}

// A measurement whose configured fields are all dormant in the
// destination is skipped entirely in incremental mode.
func TestManager_ObsoleteMeasurementSkipped(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  obsolete_days: 30
`)

	now := date("2024-06-01T00:00:00Z")

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}

	dest := newFakeClient()
	dest.Last["telegraf.m"] = now.AddDate(0, 0, -40)
	dest.FieldLast["telegraf.m.v"] = now.AddDate(0, 0, -40)

	m := newManager(t, job, source, dest, now)
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, source.Queries, "no data queries for an obsolete measurement")
	assert.Empty(t, dest.Written)
}

// A dormant field is dropped while the measurement's active fields are
// still copied.
func TestManager_ObsoleteFieldDropped(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  obsolete_days: 30
`)

	now := date("2024-06-01T00:00:00Z")

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{
		{Name: "active", Kind: influxdb.NumericKind},
		{Name: "dormant", Kind: influxdb.NumericKind},
	}
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		assert.NotContains(t, q.Command, "dormant")
		return nil, nil
	}

	dest := newFakeClient()
	dest.Last["telegraf.m"] = now.Add(-time.Hour)
	dest.FieldLast["telegraf.m.active"] = now.Add(-time.Hour)
	dest.FieldLast["telegraf.m.dormant"] = now.AddDate(0, 0, -60)

	m := newManager(t, job, source, dest, now)
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backup.StatusSuccess, report.Status())
	assert.NotEmpty(t, source.Queries)
}

// Range mode ignores the destination state and does not prune dormant
// fields.
func TestManager_RangeMode(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  mode: range
  start_date: "2024-01-01T00:00:00Z"
  backup_period: 7d
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		assert.Contains(t, q.Command, "time >= '2024-01-01T00:00:00Z'")
		assert.Contains(t, q.Command, "time < '2024-01-08T00:00:00Z'")
		return nil, nil
	}

	dest := newFakeClient()
	// Stale destination state that would prune everything in
	// incremental mode.
	dest.Last["telegraf.m"] = date("2020-01-01T00:00:00Z")
	dest.FieldLast["telegraf.m.v"] = date("2020-01-01T00:00:00Z")

	m := newManager(t, job, source, dest, date("2024-06-01T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backup.StatusSuccess, report.Status())
	require.Len(t, source.Queries, 1)
}

// A database that cannot be set up fails on its own; the remaining
// databases are still copied.
func TestManager_DatabaseFailureContinues(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: broken
    - name: telegraf
destination:
  url: http://dest:8086
options: {}
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.First["telegraf.m"] = date("2024-01-01T00:00:00Z")
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		return []imodels.Row{{
			Name:    "m",
			Columns: []string{"time", "mean_v"},
			Values:  [][]interface{}{{"2024-01-01T00:00:00Z", json.Number("1")}},
		}}, nil
	}

	dest := newFakeClient()
	dest.EnsureFunc = func(db string) error {
		if db == "broken" {
			return &influxdb.Error{Kind: influxdb.KindPermanent, StatusCode: 400, Msg: "invalid name"}
		}
		return nil
	}

	m := newManager(t, job, source, dest, date("2024-01-02T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, backup.StatusPartial, report.Status())
	assert.Equal(t, 1, report.Databases)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Database)

	assert.Equal(t, []string{"telegraf"}, dest.Created)
	assert.Equal(t, 1, report.PointsWritten)
}

// Metadata lookups run under the same retry policy as data queries, so
// one transient failure on a timestamp query does not fail the
// measurement.
func TestManager_MetadataQueryRetried(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
options:
  retry_delay: 0
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"m"}
	source.Fields["telegraf.m"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.First["telegraf.m"] = date("2024-01-01T00:00:00Z")
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		return []imodels.Row{{
			Name:    "m",
			Columns: []string{"time", "mean_v"},
			Values:  [][]interface{}{{"2024-01-01T00:00:00Z", json.Number("1")}},
		}}, nil
	}

	dest := newFakeClient()
	lastCalls := 0
	dest.LastFunc = func(db, measurement string) (time.Time, error) {
		if lastCalls++; lastCalls == 1 {
			return time.Time{}, &influxdb.Error{Kind: influxdb.KindTransient, StatusCode: 503, Msg: "unavailable"}
		}
		return time.Time{}, nil
	}

	m := newManager(t, job, source, dest, date("2024-01-02T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, backup.StatusSuccess, report.Status())
	assert.GreaterOrEqual(t, lastCalls, 2)
	assert.Equal(t, 1, report.PointsWritten)
}

func TestManager_PingFailureIsFatal(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
destination:
  url: http://dest:8086
options: {}
`)

	source := newFakeClient()
	source.PingErr = &influxdb.Error{Kind: influxdb.KindConnection, Msg: "refused"}
	dest := newFakeClient()

	m := newManager(t, job, source, dest, date("2024-01-01T00:00:00Z"))
	_, err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, influxdb.IsConnection(err))
}

func TestManager_MeasurementFilter(t *testing.T) {
	job := parseJob(t, `
source:
  url: http://source:8086
  databases:
    - name: telegraf
destination:
  url: http://dest:8086
measurements:
  exclude: [noise]
options: {}
`)

	source := newFakeClient()
	source.Measurement["telegraf"] = []string{"cpu", "noise"}
	source.Fields["telegraf.cpu"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.Fields["telegraf.noise"] = []influxdb.Field{{Name: "v", Kind: influxdb.NumericKind}}
	source.First["telegraf.cpu"] = date("2024-01-01T00:00:00Z")
	source.First["telegraf.noise"] = date("2024-01-01T00:00:00Z")
	source.QueryFunc = func(q influxdb.Query) ([]imodels.Row, error) {
		assert.Contains(t, q.Command, "FROM cpu")
		return nil, nil
	}

	dest := newFakeClient()
	m := newManager(t, job, source, dest, date("2024-01-02T00:00:00Z"))
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Measurements)
}
