package influxdb

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/influxdata/influxql"
	imodels "github.com/influxdata/influxdb/models"
	"github.com/pkg/errors"
)

// Client is the interface the backup engine uses to talk to one InfluxDB
// 1.x endpoint. The database is selected per call; the client holds no
// database context of its own.
type Client interface {
	// Ping checks that the endpoint is reachable. It returns the request
	// round trip time and the server version.
	Ping(ctx context.Context) (time.Duration, string, error)

	// Databases returns all database names known to the endpoint,
	// including internal ones.
	Databases(ctx context.Context) ([]string, error)

	// Measurements returns the measurement names of db.
	Measurements(ctx context.Context, db string) ([]string, error)

	// FieldKeys returns the fields of a measurement with their kinds.
	FieldKeys(ctx context.Context, db, measurement string) ([]Field, error)

	// FirstTimestamp and LastTimestamp return the time of the oldest and
	// newest point of a measurement. The zero time means the measurement
	// is empty.
	FirstTimestamp(ctx context.Context, db, measurement string) (time.Time, error)
	LastTimestamp(ctx context.Context, db, measurement string) (time.Time, error)

	// LastFieldTimestamp returns the time of the newest value of one
	// field, or the zero time if the field has none.
	LastFieldTimestamp(ctx context.Context, db, measurement, field string) (time.Time, error)

	// EnsureDatabase creates db if it does not exist. Idempotent.
	EnsureDatabase(ctx context.Context, db string) error

	// QueryRows executes a single statement and returns its series.
	QueryRows(ctx context.Context, q Query) ([]imodels.Row, error)

	// WritePoints issues one line protocol write with nanosecond
	// precision into the default retention policy of db. Callers batch.
	WritePoints(ctx context.Context, db string, points []Point) error

	// Close releases any resources the client holds.
	Close() error
}

// Query defines a query to send to the server.
type Query struct {
	Command  string
	Database string
}

// Config is the config data needed to create an HTTP Client.
type Config struct {
	// The URL of the InfluxDB server.
	URL string

	// Optional credentials for authenticating with the server.
	Credentials *Credentials

	// UserAgent is the http User Agent, defaults to "BackfluxClient".
	UserAgent string

	// Timeout applies per request, defaults to no timeout.
	Timeout time.Duration

	// InsecureSkipVerify gets passed to the http client, if true, it will
	// skip https certificate verification. Defaults to false.
	InsecureSkipVerify bool

	// TLSConfig allows the user to set their own TLS config for the HTTP
	// Client. If set, this option overrides InsecureSkipVerify.
	TLSConfig *tls.Config
}

// Credentials for basic user authentication.
type Credentials struct {
	Username string
	Password string
}

// HTTPClient is safe for concurrent use as the fields are all read-only
// once the HTTPClient is instantiated.
type HTTPClient struct {
	url         url.URL
	userAgent   string
	credentials *Credentials
	httpClient  *http.Client
	transport   *http.Transport
}

// NewHTTPClient returns a new Client from the provided config.
// Client is safe for concurrent use by multiple goroutines.
func NewHTTPClient(conf Config) (*HTTPClient, error) {
	if conf.UserAgent == "" {
		conf.UserAgent = "BackfluxClient"
	}

	u, err := url.Parse(conf.URL)
	if err != nil {
		return nil, err
	} else if u.Scheme != "http" && u.Scheme != "https" {
		m := fmt.Sprintf("Unsupported protocol scheme: %s, your address"+
			" must start with http:// or https://", u.Scheme)
		return nil, errors.New(m)
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: conf.InsecureSkipVerify,
		},
	}
	if conf.TLSConfig != nil {
		tr.TLSClientConfig = conf.TLSConfig
	}
	return &HTTPClient{
		url:         *u,
		userAgent:   conf.UserAgent,
		credentials: conf.Credentials,
		httpClient: &http.Client{
			Timeout:   conf.Timeout,
			Transport: tr,
		},
		transport: tr,
	}, nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.credentials != nil {
		req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
	}
}

func (c *HTTPClient) do(req *http.Request, result interface{}, codes ...int) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindTransient, err.Error())
	}
	defer resp.Body.Close()

	valid := false
	for _, code := range codes {
		if resp.StatusCode == code {
			valid = true
			break
		}
	}
	if !valid {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, statusError(resp.StatusCode, err.Error())
		}
		d := json.NewDecoder(bytes.NewReader(body))
		rp := struct {
			Error string `json:"error"`
		}{}
		d.Decode(&rp)
		if rp.Error != "" {
			return nil, statusError(resp.StatusCode, rp.Error)
		}
		return nil, statusError(resp.StatusCode, string(body))
	}
	if result != nil {
		d := json.NewDecoder(resp.Body)
		d.UseNumber()
		if err := d.Decode(result); err != nil {
			return nil, newError(KindData, "failed to decode JSON: "+err.Error())
		}
	}
	return resp, nil
}

// Ping returns how long the request took, the version of the server it
// connected to, and an error if one occurred.
func (c *HTTPClient) Ping(ctx context.Context) (time.Duration, string, error) {
	now := time.Now()
	u := c.url
	u.Path = "ping"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.do(req, nil, http.StatusNoContent)
	if err != nil {
		return 0, "", newError(KindConnection, err.Error())
	}
	version := resp.Header.Get("X-Influxdb-Version")
	return time.Since(now), version, nil
}

// Response represents a list of statement results.
type Response struct {
	Results []Result
	Err     string `json:"error,omitempty"`
}

// Error returns the first error from any statement.
// Returns nil if no errors occurred on any statements.
func (r *Response) Error() error {
	if r.Err != "" {
		return errors.New(r.Err)
	}
	for _, result := range r.Results {
		if result.Err != "" {
			return errors.New(result.Err)
		}
	}
	return nil
}

// Result represents a resultset returned from a single statement.
type Result struct {
	Series []imodels.Row
	Err    string `json:"error,omitempty"`
}

// Query sends a command to the server and returns the Response.
func (c *HTTPClient) Query(ctx context.Context, q Query) (*Response, error) {
	u := c.url
	u.Path = "query"
	v := url.Values{}
	v.Set("q", q.Command)
	if q.Database != "" {
		v.Set("db", q.Database)
	}
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), nil)
	if err != nil {
		return nil, err
	}

	response := &Response{}
	if _, err := c.do(req, response, http.StatusOK); err != nil {
		return nil, err
	}
	return response, nil
}

// QueryRows executes a single statement and folds statement-level errors
// into a permanent client error, since a rejected query will be rejected
// again unchanged.
func (c *HTTPClient) QueryRows(ctx context.Context, q Query) ([]imodels.Row, error) {
	resp, err := c.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, &Error{Kind: KindPermanent, Msg: err.Error()}
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return resp.Results[0].Series, nil
}

// WritePoints posts the points in one line protocol request.
func (c *HTTPClient) WritePoints(ctx context.Context, db string, points []Point) error {
	var b bytes.Buffer
	for _, p := range points {
		if _, err := b.Write(p.Bytes("ns")); err != nil {
			return err
		}
		if err := b.WriteByte('\n'); err != nil {
			return err
		}
	}

	u := c.url
	u.Path = "write"
	v := url.Values{}
	v.Set("db", db)
	v.Set("precision", "ns")
	u.RawQuery = v.Encode()
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), &b)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	_, err = c.do(req, nil, http.StatusNoContent, http.StatusOK)
	return errors.Wrapf(err, "write to database %q", db)
}

// Databases returns the database catalogue.
func (c *HTTPClient) Databases(ctx context.Context) ([]string, error) {
	stmt := &influxql.ShowDatabasesStatement{}
	rows, err := c.QueryRows(ctx, Query{Command: stmt.String()})
	if err != nil {
		return nil, errors.Wrap(err, "show databases")
	}
	return rowStrings(rows), nil
}

// Measurements returns the measurement names of db.
func (c *HTTPClient) Measurements(ctx context.Context, db string) ([]string, error) {
	stmt := &influxql.ShowMeasurementsStatement{}
	rows, err := c.QueryRows(ctx, Query{Command: stmt.String(), Database: db})
	if err != nil {
		return nil, errors.Wrapf(err, "show measurements on %q", db)
	}
	return rowStrings(rows), nil
}

// FieldKeys returns the fields of measurement with their kinds.
func (c *HTTPClient) FieldKeys(ctx context.Context, db, measurement string) ([]Field, error) {
	stmt := &influxql.ShowFieldKeysStatement{
		Sources: influxql.Sources{&influxql.Measurement{Name: measurement}},
	}
	rows, err := c.QueryRows(ctx, Query{Command: stmt.String(), Database: db})
	if err != nil {
		return nil, errors.Wrapf(err, "show field keys from %q", measurement)
	}
	var fields []Field
	for _, row := range rows {
		ki, ti := columnIndex(row, "fieldKey"), columnIndex(row, "fieldType")
		if ki < 0 || ti < 0 {
			continue
		}
		for _, v := range row.Values {
			if len(v) <= ki || len(v) <= ti {
				continue
			}
			name, ok := v[ki].(string)
			if !ok {
				continue
			}
			typ, _ := v[ti].(string)
			fields = append(fields, Field{Name: name, Kind: ParseFieldKind(typ)})
		}
	}
	return fields, nil
}

// FirstTimestamp returns the time of the oldest point of measurement.
func (c *HTTPClient) FirstTimestamp(ctx context.Context, db, measurement string) (time.Time, error) {
	return c.extremeTimestamp(ctx, db, measurement, true)
}

// LastTimestamp returns the time of the newest point of measurement.
func (c *HTTPClient) LastTimestamp(ctx context.Context, db, measurement string) (time.Time, error) {
	return c.extremeTimestamp(ctx, db, measurement, false)
}

func (c *HTTPClient) extremeTimestamp(ctx context.Context, db, measurement string, ascending bool) (time.Time, error) {
	stmt := &influxql.SelectStatement{
		Fields:     influxql.Fields{{Expr: &influxql.Wildcard{}}},
		Sources:    influxql.Sources{&influxql.Measurement{Name: measurement}},
		SortFields: influxql.SortFields{{Name: "time", Ascending: ascending}},
		Limit:      1,
	}
	rows, err := c.QueryRows(ctx, Query{Command: stmt.String(), Database: db})
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "timestamp lookup on %q", measurement)
	}
	return firstTimeCell(rows)
}

// LastFieldTimestamp returns the time of the newest value of field.
func (c *HTTPClient) LastFieldTimestamp(ctx context.Context, db, measurement, field string) (time.Time, error) {
	stmt := &influxql.SelectStatement{
		Fields: influxql.Fields{{Expr: &influxql.Call{
			Name: "last",
			Args: []influxql.Expr{&influxql.VarRef{Val: field}},
		}}},
		Sources: influxql.Sources{&influxql.Measurement{Name: measurement}},
	}
	rows, err := c.QueryRows(ctx, Query{Command: stmt.String(), Database: db})
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "last value lookup on %q.%q", measurement, field)
	}
	return firstTimeCell(rows)
}

// EnsureDatabase creates db if missing. CREATE DATABASE is idempotent on
// InfluxDB 1.x so no existence check is needed.
func (c *HTTPClient) EnsureDatabase(ctx context.Context, db string) error {
	stmt := &influxql.CreateDatabaseStatement{Name: db}
	if _, err := c.QueryRows(ctx, Query{Command: stmt.String()}); err != nil {
		return errors.Wrapf(err, "create database %q", db)
	}
	return nil
}

// Close releases the HTTPClient's resources.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func rowStrings(rows []imodels.Row) []string {
	var names []string
	for _, row := range rows {
		for _, v := range row.Values {
			if len(v) == 0 {
				continue
			}
			if s, ok := v[0].(string); ok {
				names = append(names, s)
			}
		}
	}
	return names
}

func columnIndex(row imodels.Row, name string) int {
	for i, c := range row.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func firstTimeCell(rows []imodels.Row) (time.Time, error) {
	if len(rows) == 0 || len(rows[0].Values) == 0 || len(rows[0].Values[0]) == 0 {
		return time.Time{}, nil
	}
	return ParseTimeCell(rows[0].Values[0][0])
}

// ParseTimeCell converts the time column cell of a result row. Servers
// answer with RFC 3339 strings unless an epoch precision was requested,
// in which case the cell is a number of nanoseconds.
func ParseTimeCell(cell interface{}) (time.Time, error) {
	switch v := cell.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, newError(KindData, "invalid timestamp "+v)
		}
		return t.UTC(), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, newError(KindData, "invalid timestamp "+v.String())
		}
		return time.Unix(0, n).UTC(), nil
	default:
		return time.Time{}, newError(KindData, fmt.Sprintf("unexpected timestamp cell of type %T", cell))
	}
}

// ClientCreator creates clients from configs, so the construction can be
// swapped in tests.
type ClientCreator struct{}

func (ClientCreator) Create(config Config) (Client, error) {
	return NewHTTPClient(config)
}
