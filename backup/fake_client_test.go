package backup_test

import (
	"context"
	"sync"
	"time"

	imodels "github.com/influxdata/influxdb/models"

	"github.com/telemetria/backflux/influxdb"
)

// fakeClient is an in-memory influxdb.Client for transfer and manager
// tests. The query side is scripted through QueryFunc; catalogue answers
// come from the maps.
type fakeClient struct {
	mu sync.Mutex

	PingErr      error
	DatabaseList []string
	Measurement  map[string][]string          // db -> measurements
	Fields       map[string][]influxdb.Field  // db.m -> fields
	First        map[string]time.Time         // db.m -> oldest point
	Last         map[string]time.Time         // db.m -> newest point
	FieldLast    map[string]time.Time         // db.m.f -> newest value
	QueryFunc    func(q influxdb.Query) ([]imodels.Row, error)
	WriteFunc    func(db string, points []influxdb.Point) error
	EnsureFunc   func(db string) error
	LastFunc     func(db, measurement string) (time.Time, error)

	Queries []influxdb.Query
	Written map[string][]influxdb.Point
	Created []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		Measurement: map[string][]string{},
		Fields:      map[string][]influxdb.Field{},
		First:       map[string]time.Time{},
		Last:        map[string]time.Time{},
		FieldLast:   map[string]time.Time{},
		Written:     map[string][]influxdb.Point{},
	}
}

func (c *fakeClient) Ping(ctx context.Context) (time.Duration, string, error) {
	return 0, "fake", c.PingErr
}

func (c *fakeClient) Databases(ctx context.Context) ([]string, error) {
	return c.DatabaseList, nil
}

func (c *fakeClient) Measurements(ctx context.Context, db string) ([]string, error) {
	return c.Measurement[db], nil
}

func (c *fakeClient) FieldKeys(ctx context.Context, db, measurement string) ([]influxdb.Field, error) {
	return c.Fields[db+"."+measurement], nil
}

func (c *fakeClient) FirstTimestamp(ctx context.Context, db, measurement string) (time.Time, error) {
	return c.First[db+"."+measurement], nil
}

func (c *fakeClient) LastTimestamp(ctx context.Context, db, measurement string) (time.Time, error) {
	if c.LastFunc != nil {
		return c.LastFunc(db, measurement)
	}
	return c.Last[db+"."+measurement], nil
}

func (c *fakeClient) LastFieldTimestamp(ctx context.Context, db, measurement, field string) (time.Time, error) {
	return c.FieldLast[db+"."+measurement+"."+field], nil
}

func (c *fakeClient) EnsureDatabase(ctx context.Context, db string) error {
	if c.EnsureFunc != nil {
		if err := c.EnsureFunc(db); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Created = append(c.Created, db)
	return nil
}

func (c *fakeClient) QueryRows(ctx context.Context, q influxdb.Query) ([]imodels.Row, error) {
	c.mu.Lock()
	c.Queries = append(c.Queries, q)
	c.mu.Unlock()
	if c.QueryFunc != nil {
		return c.QueryFunc(q)
	}
	return nil, nil
}

func (c *fakeClient) WritePoints(ctx context.Context, db string, points []influxdb.Point) error {
	if c.WriteFunc != nil {
		if err := c.WriteFunc(db, points); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Written[db] = append(c.Written[db], points...)
	return nil
}

func (c *fakeClient) Close() error { return nil }
