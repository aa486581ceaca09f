package influxdb

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies client errors so callers can decide between retrying,
// aborting the current measurement, or failing the whole run.
type Kind int

const (
	// KindConnection means an endpoint could not be reached at all.
	KindConnection Kind = iota + 1
	// KindTransient covers 5xx responses, timeouts and network resets.
	KindTransient
	// KindPermanent covers 4xx responses other than 404.
	KindPermanent
	// KindData covers malformed or undecodable response bodies.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the client.
type Error struct {
	Kind       Kind
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("influxdb returned status %d: %s", e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("influxdb %s error: %s", e.Kind, e.Msg)
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// statusError classifies an unexpected HTTP status code. Anything in the
// 5xx range can heal on its own and is retryable; 4xx generally means the
// request itself is wrong, except 404 which can appear while a database is
// still being created.
func statusError(code int, msg string) *Error {
	kind := KindTransient
	if code >= 400 && code < 500 && code != http.StatusNotFound {
		kind = KindPermanent
	}
	return &Error{Kind: kind, StatusCode: code, Msg: msg}
}

func kindOf(err error) Kind {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind
	}
	return 0
}

// IsConnection reports whether err was caused by an unreachable endpoint.
func IsConnection(err error) bool { return kindOf(err) == KindConnection }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	k := kindOf(err)
	return k == KindTransient || k == KindConnection
}

// IsPermanent reports whether err would fail again on retry.
func IsPermanent(err error) bool { return kindOf(err) == KindPermanent }

// IsData reports whether err was caused by an undecodable response.
func IsData(err error) bool { return kindOf(err) == KindData }
