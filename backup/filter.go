package backup

import (
	"github.com/telemetria/backflux/config"
	"github.com/telemetria/backflux/influxdb"
)

// FilterMeasurements applies the measurement stage of the job filter. A
// non-empty include list wins over the exclude list. Names are
// case-sensitive.
func FilterMeasurements(names, include, exclude []string) []string {
	if len(include) > 0 {
		var kept []string
		for _, name := range names {
			if contains(include, name) {
				kept = append(kept, name)
			}
		}
		return kept
	}
	var kept []string
	for _, name := range names {
		if !contains(exclude, name) {
			kept = append(kept, name)
		}
	}
	return kept
}

// FilterFields applies a field policy: restrict to the declared types,
// apply the include list if non-empty, then remove the exclude list.
func FilterFields(fields []influxdb.Field, policy config.FieldPolicy) []influxdb.Field {
	var kept []influxdb.Field
	for _, f := range fields {
		if len(policy.Types) > 0 && !contains(policy.Types, f.Kind.String()) {
			continue
		}
		if len(policy.Include) > 0 && !contains(policy.Include, f.Name) {
			continue
		}
		if contains(policy.Exclude, f.Name) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
