package backup

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxql"
	imodels "github.com/influxdata/influxdb/models"
	"github.com/pkg/errors"

	"github.com/telemetria/backflux/influxdb"
)

// DefaultBatchSize is the maximum number of points per write request.
const DefaultBatchSize = 5000

// Transfer copies the data of one measurement from the source database to
// the destination database, one chunk at a time.
type Transfer struct {
	Source      influxdb.Client
	Destination influxdb.Client

	SourceDB    string
	DestDB      string
	Measurement string

	// Fields to copy, already filtered.
	Fields []influxdb.Field

	// GroupBy is the aggregation window. Empty requests raw rows.
	GroupBy time.Duration

	BatchSize     int
	Retries       int
	RetryInterval time.Duration

	Logger *log.Logger
}

// ChunkStats are the counters of one chunk copy.
type ChunkStats struct {
	Read      int
	Written   int
	NonFinite int
	Malformed int
}

func (s *ChunkStats) add(o ChunkStats) {
	s.Read += o.Read
	s.Written += o.Written
	s.NonFinite += o.NonFinite
	s.Malformed += o.Malformed
}

// CopyChunk queries one interval from the source and writes the result to
// the destination. Fields are split by kind so numeric columns can be
// averaged while string and boolean columns carry their latest value.
// Either the whole chunk is written or an error is returned after the
// retry budget is spent.
func (t *Transfer) CopyChunk(ctx context.Context, iv Interval) (ChunkStats, error) {
	var stats ChunkStats

	var numeric, other []influxdb.Field
	for _, f := range t.Fields {
		if f.Kind == influxdb.NumericKind {
			numeric = append(numeric, f)
		} else {
			other = append(other, f)
		}
	}

	points := make(map[string]*influxdb.Point)
	for _, sub := range []struct {
		call   string
		fields []influxdb.Field
	}{
		{call: "mean", fields: numeric},
		{call: "last", fields: other},
	} {
		if len(sub.fields) == 0 {
			continue
		}
		q := influxdb.Query{
			Command:  t.buildQuery(sub.call, sub.fields, iv).String(),
			Database: t.SourceDB,
		}
		var rows []imodels.Row
		err := t.retry(ctx, func() error {
			var qerr error
			rows, qerr = t.Source.QueryRows(ctx, q)
			return qerr
		})
		if err != nil {
			return stats, errors.Wrapf(err, "query %s fields of %q", sub.call, t.Measurement)
		}
		t.mergeRows(points, rows, &stats)
	}

	if stats.NonFinite > 0 {
		t.Logger.Printf("W! %s %s: skipped %d non-finite cells", t.Measurement, iv, stats.NonFinite)
	}
	if stats.Malformed > 0 {
		t.Logger.Printf("W! %s %s: ignored %d malformed rows", t.Measurement, iv, stats.Malformed)
	}
	if len(points) == 0 {
		return stats, nil
	}

	sorted := make([]influxdb.Point, 0, len(points))
	for _, p := range points {
		sorted = append(sorted, *p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for len(sorted) > 0 {
		batch := sorted
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		err := t.retry(ctx, func() error {
			return t.Destination.WritePoints(ctx, t.DestDB, batch)
		})
		if err != nil {
			return stats, errors.Wrapf(err, "write %d points to %q", len(batch), t.DestDB)
		}
		stats.Written += len(batch)
		sorted = sorted[len(batch):]
	}
	return stats, nil
}

// buildQuery assembles the SELECT statement of one field-kind sub-query.
// Aggregated columns are aliased call_field so the merge can strip a
// predictable prefix.
func (t *Transfer) buildQuery(call string, fields []influxdb.Field, iv Interval) *influxql.SelectStatement {
	stmt := &influxql.SelectStatement{
		Sources: influxql.Sources{&influxql.Measurement{Name: t.Measurement}},
		Condition: &influxql.BinaryExpr{
			Op: influxql.AND,
			LHS: &influxql.BinaryExpr{
				Op:  influxql.GTE,
				LHS: &influxql.VarRef{Val: "time"},
				RHS: &influxql.TimeLiteral{Val: iv.Start},
			},
			RHS: &influxql.BinaryExpr{
				Op:  influxql.LT,
				LHS: &influxql.VarRef{Val: "time"},
				RHS: &influxql.TimeLiteral{Val: iv.End},
			},
		},
		Dimensions: influxql.Dimensions{{Expr: &influxql.Wildcard{}}},
	}

	if t.GroupBy <= 0 {
		for _, f := range fields {
			stmt.Fields = append(stmt.Fields, &influxql.Field{Expr: &influxql.VarRef{Val: f.Name}})
		}
		return stmt
	}

	for _, f := range fields {
		stmt.Fields = append(stmt.Fields, &influxql.Field{
			Expr: &influxql.Call{
				Name: call,
				Args: []influxql.Expr{&influxql.VarRef{Val: f.Name}},
			},
			Alias: call + "_" + f.Name,
		})
	}
	stmt.Dimensions = append(influxql.Dimensions{{
		Expr: &influxql.Call{
			Name: "time",
			Args: []influxql.Expr{&influxql.DurationLiteral{Val: t.GroupBy}},
		},
	}}, stmt.Dimensions...)
	return stmt
}

// mergeRows folds result rows into the point set, keyed by timestamp and
// tag set so the two sub-query results join row-wise.
func (t *Transfer) mergeRows(points map[string]*influxdb.Point, rows []imodels.Row, stats *ChunkStats) {
	kinds := make(map[string]influxdb.FieldKind, len(t.Fields))
	for _, f := range t.Fields {
		kinds[f.Name] = f.Kind
	}
	for _, row := range rows {
		timeIdx := -1
		for i, col := range row.Columns {
			if col == "time" {
				timeIdx = i
				break
			}
		}
		if timeIdx < 0 {
			stats.Malformed += len(row.Values)
			continue
		}
		for _, value := range row.Values {
			if len(value) != len(row.Columns) {
				stats.Malformed++
				continue
			}
			ts, err := influxdb.ParseTimeCell(value[timeIdx])
			if err != nil {
				stats.Malformed++
				continue
			}
			stats.Read++

			fields := make(map[string]interface{}, len(row.Columns)-1)
			for i, col := range row.Columns {
				if i == timeIdx || value[i] == nil {
					continue
				}
				name := col
				// Aliases exist only in aggregated queries; a raw field
				// may itself be named mean_x.
				if t.GroupBy > 0 {
					name = strings.TrimPrefix(strings.TrimPrefix(col, "mean_"), "last_")
				}
				cell, ok := convertCell(value[i], kinds[name])
				if !ok {
					stats.NonFinite++
					continue
				}
				fields[name] = cell
			}
			if len(fields) == 0 {
				continue
			}

			key := seriesKey(ts, row.Tags)
			p, ok := points[key]
			if !ok {
				p = &influxdb.Point{
					Name:   t.Measurement,
					Tags:   row.Tags,
					Fields: fields,
					Time:   ts,
				}
				points[key] = p
				continue
			}
			for name, cell := range fields {
				p.Fields[name] = cell
			}
		}
	}
}

// convertCell normalizes a result cell of the given kind for rewriting.
// Numeric cells always become float64, matching what mean() produces, so
// a field keeps one type whether a chunk was aggregated or raw. The
// second return is false for cells that must not reach a write payload:
// non-finite numerics and cells of an unexpected shape.
func convertCell(cell interface{}, kind influxdb.FieldKind) (interface{}, bool) {
	switch kind {
	case influxdb.NumericKind:
		var f float64
		switch v := cell.(type) {
		case json.Number:
			var err error
			if f, err = v.Float64(); err != nil {
				return nil, false
			}
		case string:
			// Some servers serialize non-finite floats as strings.
			var err error
			if f, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, false
			}
		case float64:
			f = v
		default:
			return nil, false
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case influxdb.BooleanKind:
		b, ok := cell.(bool)
		return b, ok
	case influxdb.StringKind:
		s, ok := cell.(string)
		return s, ok
	default:
		return cell, true
	}
}

func seriesKey(ts time.Time, tags map[string]string) string {
	mtags := make(imodels.Tags, 0, len(tags))
	for k, v := range tags {
		mtags = append(mtags, imodels.Tag{Key: []byte(k), Value: []byte(v)})
	}
	return string(imodels.MakeKey([]byte{}, mtags)) + "@" + strconv.FormatInt(ts.UnixNano(), 10)
}

func (t *Transfer) retry(ctx context.Context, fn func() error) error {
	return retryTransient(ctx, t.Logger, t.Retries, t.RetryInterval, t.Measurement, fn)
}
