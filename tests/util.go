package testutil

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
	logsvc "github.com/trezcool/mwalimu/services/logger"
)

// NewValidator returns a validator with every custom validator registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	english := en.New()
	translator, _ := ut.New(english, english).GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	session.InitValidators(validate, translator)
	return validate, translator
}

// NewLogger returns a logger that discards everything and never reports to rollbar.
func NewLogger() core.Logger {
	lgr := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), &core.Config{TestMode: true})
	lgr.Enable(false)
	return lgr
}

func Float(f float64) *float64 { return &f }

// CreateSession stores a pending session.
func CreateSession(t *testing.T, repo session.Repository, teacherID, schoolID, videoURL string, md session.Metadata, createdAt ...time.Time) session.Session {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	fp := ""
	if videoURL != "" {
		fp = session.Fingerprint(videoURL, md)
	}
	sess, err := repo.CreateSession(context.Background(), session.Session{
		ID:          uuid.New().String(),
		TeacherID:   teacherID,
		SchoolID:    schoolID,
		VideoURL:    videoURL,
		Metadata:    md,
		Fingerprint: fp,
		Status:      session.StatusPending,
		CreatedAt:   tstamp,
	})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	return sess
}

// AnalyzerStub is a session.Analyzer returning a canned response.
type AnalyzerStub struct {
	Response *session.AnalyzerResponse
	Err      error
	Func     func(ctx context.Context, locator, sessionID string) (*session.AnalyzerResponse, error)

	mutex sync.Mutex
	calls []string
}

var _ session.Analyzer = (*AnalyzerStub)(nil)

func (a *AnalyzerStub) Analyze(ctx context.Context, locator, sessionID string) (*session.AnalyzerResponse, error) {
	a.mutex.Lock()
	a.calls = append(a.calls, sessionID)
	a.mutex.Unlock()

	if a.Func != nil {
		return a.Func(ctx, locator, sessionID)
	}
	return a.Response, a.Err
}

// Calls returns the ids of the sessions sent for analysis.
func (a *AnalyzerStub) Calls() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// SchedulerStub records scheduled sessions.
type SchedulerStub struct {
	Err error

	mutex sync.Mutex
	ids   []string
}

var _ session.Scheduler = (*SchedulerStub)(nil)

func (s *SchedulerStub) Schedule(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.ids = append(s.ids, id)
	return nil
}

func (s *SchedulerStub) Scheduled() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}
