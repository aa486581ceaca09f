package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/gorhill/cronexpr"
	"github.com/influxdata/influxql"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Error marks a configuration problem. It is fatal at job start.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "invalid configuration: " + e.Msg
}

func confErrorf(format string, args ...interface{}) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err was caused by an invalid
// configuration.
func IsConfigError(err error) bool {
	_, ok := errors.Cause(err).(*Error)
	return ok
}

// IsTemplate reports whether name is a template file, which loaders and
// the orchestrator skip.
func IsTemplate(name string) bool {
	return strings.HasSuffix(name, ".template.yaml") || strings.HasSuffix(name, ".template.yml")
}

// Load reads one job document from path. Every string value undergoes
// environment variable expansion before decoding.
func Load(path string) (*Job, error) {
	if IsTemplate(path) {
		return nil, confErrorf("%s is a template, not a job", path)
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	job, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return job, nil
}

// Parse decodes one YAML job document.
func Parse(data []byte) (*Job, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, confErrorf("invalid YAML: %v", err)
	}
	expandValues(raw)

	job := NewJob()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           job,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, confErrorf("%v", err)
	}
	job.raw = raw

	if !job.Has("options.chunk_days") && job.Has("options.days_of_pagination") {
		job.Options.ChunkDays = job.Options.DaysOfPagination
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// expandValues substitutes ${VAR}, $VAR and ${VAR:-default} in every
// string value of the document. Keys are left alone.
func expandValues(doc map[string]interface{}) {
	for k, v := range doc {
		doc[k] = expandValue(v)
	}
}

func expandValue(v interface{}) interface{} {
	switch v := v.(type) {
	case string:
		return os.Expand(v, expandVar)
	case map[string]interface{}:
		expandValues(v)
		return v
	case []interface{}:
		for i, e := range v {
			v[i] = expandValue(e)
		}
		return v
	default:
		return v
	}
}

func expandVar(name string) string {
	if i := strings.Index(name, ":-"); i >= 0 {
		if val := os.Getenv(name[:i]); val != "" {
			return val
		}
		return name[i+2:]
	}
	return os.Getenv(name)
}

// Lookup resolves a dotted path in the raw document.
func (j *Job) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(j.raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether the raw document contains the dotted path.
func (j *Job) Has(path string) bool {
	_, ok := j.Lookup(path)
	return ok
}

// String returns the string at path, or def when absent or not a string.
func (j *Job) String(path, def string) string {
	if v, ok := j.Lookup(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the integer at path, or def when absent or not a number.
func (j *Job) Int(path string, def int) int {
	if v, ok := j.Lookup(path); ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}

// Bool returns the boolean at path, or def when absent or not a boolean.
func (j *Job) Bool(path string, def bool) bool {
	if v, ok := j.Lookup(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Validate checks the decoded job against the documented constraints.
func (j *Job) Validate() error {
	for _, section := range []string{"source", "destination", "options"} {
		if !j.Has(section) {
			return confErrorf("missing required section %q", section)
		}
	}
	if j.Source.URL == "" {
		return confErrorf("source.url is required")
	}
	if j.Destination.URL == "" {
		return confErrorf("destination.url is required")
	}

	o := j.Options
	switch o.Mode {
	case "range":
		if o.StartDate == "" {
			return confErrorf("mode %q requires options.start_date", o.Mode)
		}
		if o.EndDate == "" && o.BackupPeriod == "" {
			return confErrorf("mode %q requires options.end_date or options.backup_period", o.Mode)
		}
	case "incremental":
	default:
		return confErrorf("options.mode must be \"range\" or \"incremental\", got %q", o.Mode)
	}

	if o.StartDate != "" {
		if _, ok := parseDate(o.StartDate); !ok {
			return confErrorf("options.start_date %q is not RFC 3339", o.StartDate)
		}
	}
	if o.EndDate != "" {
		if _, ok := parseDate(o.EndDate); !ok {
			return confErrorf("options.end_date %q is not RFC 3339", o.EndDate)
		}
	}
	if o.BackupPeriod != "" {
		if _, err := ParsePeriod(o.BackupPeriod); err != nil {
			return confErrorf("options.backup_period: %v", err)
		}
	}
	if j.Source.GroupBy != "" {
		if _, err := influxql.ParseDuration(j.Source.GroupBy); err != nil {
			return confErrorf("source.group_by %q is not a duration", j.Source.GroupBy)
		}
	}

	if o.ChunkDays < 1 {
		return confErrorf("options.chunk_days must be at least 1, got %d", o.ChunkDays)
	}
	// Without aggregation a query returns every raw row, so the window
	// must stay small enough to hold in memory.
	if j.Source.GroupBy == "" && o.ChunkDays > 1 {
		return confErrorf("chunk_days must be 1 when source.group_by is empty")
	}
	if o.Retries < 0 {
		return confErrorf("options.retries must not be negative, got %d", o.Retries)
	}
	if o.RetryDelay < 0 {
		return confErrorf("options.retry_delay must not be negative, got %d", o.RetryDelay)
	}
	if o.TimeoutClient < 1 {
		return confErrorf("options.timeout_client must be at least 1, got %d", o.TimeoutClient)
	}
	if o.ObsoleteDays < 1 {
		return confErrorf("options.obsolete_days must be at least 1, got %d", o.ObsoleteDays)
	}
	if o.Incremental.FallbackDays < 1 {
		return confErrorf("options.incremental.fallback_days must be at least 1, got %d", o.Incremental.FallbackDays)
	}

	if o.Incremental.Schedule != "" {
		if _, err := cronexpr.Parse(o.Incremental.Schedule); err != nil {
			return confErrorf("options.incremental.schedule %q: %v", o.Incremental.Schedule, err)
		}
	}

	if err := validateTypes(j.Measurements.Fields.Types); err != nil {
		return err
	}
	for name, s := range j.Measurements.Specific {
		if s.Fields == nil {
			return confErrorf("measurements.specific.%s has no fields block", name)
		}
		if err := validateTypes(s.Fields.Types); err != nil {
			return err
		}
	}
	return nil
}

func validateTypes(types []string) error {
	for _, t := range types {
		switch t {
		case "numeric", "string", "boolean":
		default:
			return confErrorf("unknown field type %q, want numeric, string or boolean", t)
		}
	}
	return nil
}
