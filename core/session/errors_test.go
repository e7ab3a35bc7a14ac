package session_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mwalimu/core/session"
)

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "Analysis failed"},
		{name: "soft warning", err: &session.AnalyzerSoftWarning{Warning: "no speech detected"}, want: "no speech detected"},
		{name: "empty soft warning", err: &session.AnalyzerSoftWarning{}, want: "Analysis failed"},
		{name: "wrapped soft warning", err: errors.Wrap(&session.AnalyzerSoftWarning{Warning: "too short"}, "analyze"), want: "too short"},
		{name: "invalid scores", err: errors.WithStack(&session.InvalidScoresError{}), want: "Analysis did not return valid scores. No feedback generated."},
		{name: "missing locator", err: session.ErrMissingLocator, want: "No video URL provided"},
		{name: "timeout", err: &session.AnalyzerTimeout{After: 5 * time.Minute}, want: "analyzer timeout after 5m0s"},
		{name: "analyzer error", err: &session.AnalyzerError{StatusCode: 500, Body: "oops"}, want: "analyzer error 500: oops"},
		{name: "bad response", err: &session.AnalyzerBadResponse{Err: errors.New("unexpected EOF")}, want: "analyzer returned a malformed response: unexpected EOF"},
		{name: "persistence", err: &session.PersistenceError{Op: "claim session", Err: errors.New("conn refused")}, want: "persistence: claim session: conn refused"},
		{name: "long", err: errors.New(strings.Repeat("é", 600)), want: strings.Repeat("é", session.MaxReasonLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, session.FailureReason(tt.err))
		})
	}
}

func TestPersistenceError_Unwrap(t *testing.T) {
	storeErr := errors.New("conn refused")
	err := errors.Wrap(&session.PersistenceError{Op: "load session", Err: storeErr}, "process")

	var perr *session.PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "load session", perr.Op)
	assert.True(t, errors.Is(err, storeErr))
}
