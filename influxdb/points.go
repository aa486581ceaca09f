package influxdb

import (
	"strconv"
	"time"

	imodels "github.com/influxdata/influxdb/models"
)

// FieldKind is the coarse type of a field as used by the filter and
// aggregation logic. InfluxDB's integer and float types collapse into
// NumericKind.
type FieldKind int

const (
	UnknownKind FieldKind = iota
	NumericKind
	StringKind
	BooleanKind
)

func (k FieldKind) String() string {
	switch k {
	case NumericKind:
		return "numeric"
	case StringKind:
		return "string"
	case BooleanKind:
		return "boolean"
	default:
		return "unknown"
	}
}

// ParseFieldKind maps an InfluxDB field type name as reported by
// SHOW FIELD KEYS to a FieldKind.
func ParseFieldKind(influxType string) FieldKind {
	switch influxType {
	case "integer", "float":
		return NumericKind
	case "string":
		return StringKind
	case "boolean":
		return BooleanKind
	default:
		return UnknownKind
	}
}

// Field describes one field of a measurement.
type Field struct {
	Name string
	Kind FieldKind
}

// Point is a single datum to be written.
type Point struct {
	Name   string
	Tags   map[string]string
	Fields map[string]interface{}
	Time   time.Time
}

// Bytes returns the line protocol representation of the point.
func (p Point) Bytes(precision string) []byte {
	tags := make(imodels.Tags, 0, len(p.Tags))
	for k, v := range p.Tags {
		tags = append(tags, imodels.Tag{Key: []byte(k), Value: []byte(v)})
	}
	key := imodels.MakeKey([]byte(p.Name), tags)
	fields := imodels.Fields(p.Fields).MarshalBinary()
	kl := len(key)
	fl := len(fields)
	var bytes []byte

	if p.Time.IsZero() {
		bytes = make([]byte, fl+kl+1)
		copy(bytes, key)
		bytes[kl] = ' '
		copy(bytes[kl+1:], fields)
	} else {
		timeStr := strconv.FormatInt(p.Time.UnixNano()/imodels.GetPrecisionMultiplier(precision), 10)
		tl := len(timeStr)
		bytes = make([]byte, fl+kl+tl+2)
		copy(bytes, key)
		bytes[kl] = ' '
		copy(bytes[kl+1:], fields)
		bytes[kl+fl+1] = ' '
		copy(bytes[kl+fl+2:], []byte(timeStr))
	}

	return bytes
}
