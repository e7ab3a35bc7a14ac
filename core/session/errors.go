package session

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

const (
	// MaxReasonLength caps the failure reason stored on a session.
	MaxReasonLength = 500

	reasonMissingLocator = "No video URL provided"
	reasonInvalidScores  = "Analysis did not return valid scores. No feedback generated."
	reasonUnknown        = "Analysis failed"
)

var (
	// errors
	ErrNotFound       = errors.New("session not found")
	ErrLocked         = errors.New("session is locked")
	ErrMissingLocator = errors.New(reasonMissingLocator)
)

// AnalyzerTimeout is returned when the analyzer did not answer (fully) in time.
type AnalyzerTimeout struct {
	After time.Duration
}

func (e *AnalyzerTimeout) Error() string {
	return fmt.Sprintf("analyzer timeout after %s", e.After)
}

// AnalyzerError is returned when the analyzer answered with a non-success status.
type AnalyzerError struct {
	StatusCode int
	Body       string
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer error %d: %s", e.StatusCode, e.Body)
}

// AnalyzerBadResponse is returned when a success body cannot be parsed.
type AnalyzerBadResponse struct {
	Err error
}

func (e *AnalyzerBadResponse) Error() string {
	return "analyzer returned a malformed response: " + e.Err.Error()
}

func (e *AnalyzerBadResponse) Unwrap() error { return e.Err }

// AnalyzerSoftWarning is a well-formed response declining the analysis (e.g. no speech detected).
type AnalyzerSoftWarning struct {
	Warning string
}

func (e *AnalyzerSoftWarning) Error() string { return e.Warning }

// InvalidScoresError is returned when analyzer scores are missing, non numeric or out of range.
type InvalidScoresError struct {
	Fields []core.FieldError
}

func (e *InvalidScoresError) Error() string { return reasonInvalidScores }

// PersistenceError wraps a storage failure.
// errors.Cause stops at a PersistenceError; use errors.As to reach the store error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FailureReason returns the user visible reason stored on a failed session.
func FailureReason(err error) string {
	if err == nil {
		return reasonUnknown
	}
	var reason string
	switch e := errors.Cause(err).(type) {
	case *AnalyzerSoftWarning:
		reason = e.Warning
	case *InvalidScoresError:
		reason = reasonInvalidScores
	default:
		if e == ErrMissingLocator {
			reason = reasonMissingLocator
		} else {
			reason = err.Error()
		}
	}
	if reason == "" {
		reason = reasonUnknown
	}
	return core.Truncate(reason, MaxReasonLength)
}
