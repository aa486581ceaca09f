package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/influxdata/influxql"
)

// Default values applied by NewJob before a document is decoded on top.
const (
	DefaultGroupBy       = "5m"
	DefaultMode          = "incremental"
	DefaultChunkDays     = 7
	DefaultTimeoutClient = 20
	DefaultRetries       = 3
	DefaultRetryDelay    = 5
	DefaultFallbackDays  = 30
	DefaultObsoleteDays  = 30
	DefaultLogFile       = "STDERR"
	DefaultLogLevel      = "INFO"
)

// Job is the configuration of one replication job. It is immutable after
// Load returns.
type Job struct {
	Source       Source       `mapstructure:"source"`
	Destination  Destination  `mapstructure:"destination"`
	Measurements Measurements `mapstructure:"measurements"`
	Options      Options      `mapstructure:"options"`

	raw map[string]interface{}
}

// Source is the endpoint data is read from.
type Source struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// Databases to copy. Empty means every database of the source except
	// _internal, with destination names derived from Prefix and Suffix.
	Databases []Database `mapstructure:"databases"`
	Prefix    string     `mapstructure:"prefix"`
	Suffix    string     `mapstructure:"suffix"`

	// GroupBy is the aggregation window of data queries. The empty string
	// disables aggregation and requests raw rows.
	GroupBy string `mapstructure:"group_by"`
}

// Destination is the endpoint data is written to.
type Destination struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Database maps a source database to a destination database.
type Database struct {
	Name        string `mapstructure:"name"`
	Destination string `mapstructure:"destination"`
	Prefix      string `mapstructure:"prefix"`
	Suffix      string `mapstructure:"suffix"`
}

// DestinationName returns the explicit destination name if set, else the
// source name decorated with the prefix and suffix.
func (d Database) DestinationName() string {
	if d.Destination != "" {
		return d.Destination
	}
	return d.Prefix + d.Name + d.Suffix
}

// Measurements holds the measurement filter and the per-measurement field
// policy overrides.
type Measurements struct {
	Include  []string                       `mapstructure:"include"`
	Exclude  []string                       `mapstructure:"exclude"`
	Specific map[string]SpecificMeasurement `mapstructure:"specific"`

	// Fields is the global field policy, used for measurements without a
	// specific block.
	Fields FieldPolicy `mapstructure:"fields"`
}

type SpecificMeasurement struct {
	Fields *FieldPolicy `mapstructure:"fields"`
}

// FieldPolicy restricts the fields of a measurement. Types limits the
// field kinds considered at all, Include and Exclude act on names.
type FieldPolicy struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
	Types   []string `mapstructure:"types"`
}

// FieldPolicyFor returns the policy for measurement: the specific block if
// one exists, else the global policy.
func (m Measurements) FieldPolicyFor(measurement string) FieldPolicy {
	if s, ok := m.Specific[measurement]; ok && s.Fields != nil {
		return *s.Fields
	}
	return m.Fields
}

type Options struct {
	Mode         string `mapstructure:"mode"`
	StartDate    string `mapstructure:"start_date"`
	EndDate      string `mapstructure:"end_date"`
	BackupPeriod string `mapstructure:"backup_period"`

	ChunkDays int `mapstructure:"chunk_days"`
	// DaysOfPagination is the historical name of ChunkDays. ChunkDays wins
	// when both are present.
	DaysOfPagination int `mapstructure:"days_of_pagination"`

	TimeoutClient int `mapstructure:"timeout_client"`
	Retries       int `mapstructure:"retries"`
	RetryDelay    int `mapstructure:"retry_delay"`
	ObsoleteDays  int `mapstructure:"obsolete_days"`

	Incremental Incremental `mapstructure:"incremental"`

	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

type Incremental struct {
	FallbackDays int    `mapstructure:"fallback_days"`
	Schedule     string `mapstructure:"schedule"`
}

// NewJob returns a Job with every default applied. Load decodes the YAML
// document on top of it, so absent keys keep their defaults.
func NewJob() *Job {
	return &Job{
		Source: Source{
			GroupBy: DefaultGroupBy,
		},
		Options: Options{
			Mode:             DefaultMode,
			ChunkDays:        DefaultChunkDays,
			DaysOfPagination: DefaultChunkDays,
			TimeoutClient:    DefaultTimeoutClient,
			Retries:          DefaultRetries,
			RetryDelay:       DefaultRetryDelay,
			ObsoleteDays:     DefaultObsoleteDays,
			Incremental: Incremental{
				FallbackDays: DefaultFallbackDays,
			},
			LogFile:  DefaultLogFile,
			LogLevel: DefaultLogLevel,
		},
	}
}

// Timeout returns the per-request HTTP deadline.
func (o Options) Timeout() time.Duration {
	return time.Duration(o.TimeoutClient) * time.Second
}

// RetryInterval returns the fixed delay between retry attempts.
func (o Options) RetryInterval() time.Duration {
	return time.Duration(o.RetryDelay) * time.Second
}

// StartTime returns the parsed start_date option.
func (o Options) StartTime() (time.Time, bool) {
	return parseDate(o.StartDate)
}

// EndTime returns the parsed end_date option.
func (o Options) EndTime() (time.Time, bool) {
	return parseDate(o.EndDate)
}

// Period returns the parsed backup_period option.
func (o Options) Period() (time.Duration, bool) {
	if o.BackupPeriod == "" {
		return 0, false
	}
	d, err := ParsePeriod(o.BackupPeriod)
	if err != nil {
		return 0, false
	}
	return d, true
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ParsePeriod parses a relative duration with the suffixes s, m, h, d and
// w handled by influxql, plus M for months (30 days) and y for years
// (365 days).
func ParsePeriod(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	switch s[len(s)-1] {
	case 'M', 'y':
		days := 30
		if s[len(s)-1] == 'y' {
			days = 365
		}
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * time.Duration(days) * 24 * time.Hour, nil
	default:
		d, err := influxql.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return d, nil
	}
}
