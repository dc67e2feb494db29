package runlog

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass says whether a failed run is expected to succeed on a later cycle.
type ErrorClass int

const (
	// ErrorClassRetryable covers transient failures (network, 5xx, rate limits, lock conflicts).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal covers failures that repeat until someone intervenes
	// (bad credentials, missing tables, constraint violations).
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var fatalPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"invalid client",
	"access denied",
	"missing credentials",
	"does not exist", // relation/column missing: schema not migrated
	"violates",       // constraint violation
	"syntax error",
	"permission denied",
}

var retryablePatterns = []string{
	"500", "502", "503", "504",
	"429",
	"too many requests",
	"rate limit",
	"connection reset",
	"connection refused",
	"timeout",
	"temporary failure in name resolution",
	"no route to host",
	"eof",
	"broken pipe",
	"deadlock detected",
	"could not serialize",
}

// Classify inspects an error from a vendor call or a store write. Errors that
// match no known pattern are treated as retryable since the runner will try
// again next cycle anyway.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())
	// server errors first: "503 service unavailable" must not hit a fatal pattern
	for _, p := range retryablePatterns[:4] {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsFatal reports whether err is not worth retrying.
func IsFatal(err error) bool { return Classify(err) == ErrorClassFatal }
