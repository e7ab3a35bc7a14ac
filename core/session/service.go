package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

const (
	msgNoSession    = "No analyzed teaching session yet. Recommendations will appear once one of your sessions has been analyzed."
	msgScoresGood   = "Based on your recent teaching session, your scores look good. Keep up the practice; you can still browse all training modules from the Training page."
	msgRecommending = "Based on your recent teaching session, we recommend the following modules to help you improve."
)

type (
	Repository interface {
		CreateSession(ctx context.Context, sess Session) (Session, error)
		GetSession(ctx context.Context, id string) (Session, error)
		// ClaimSession atomically moves an unlocked pending, failed or unclaimed processing session to processing.
		// It reports false when the session could not be claimed.
		ClaimSession(ctx context.Context, id string, at time.Time) (bool, error)
		// FindReusableResult returns the full result bundle of any other completed session with this fingerprint,
		// or ErrNotFound.
		FindReusableResult(ctx context.Context, fingerprint, excludeID string) (Reusable, error)
		// CompleteSession writes the completed session, its scores, its feedback and an activity record atomically.
		// It fails with ErrLocked if the session is already locked.
		CompleteSession(ctx context.Context, id string, c Completion) error
		// FailSession marks an unlocked session as failed.
		FailSession(ctx context.Context, id, reason string) error
		GetScores(ctx context.Context, sessionID string) (Scores, error)
		GetFeedback(ctx context.Context, sessionID string) (Feedback, error)
		QuerySessions(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Session, error)
		// LatestCompleted returns the most recently created completed session of a teacher, or ErrNotFound.
		LatestCompleted(ctx context.Context, teacherID string) (Session, error)
		// ReleaseStaleClaims moves unlocked processing sessions claimed before olderThan back to pending.
		ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
		// PendingSessionIDs lists the sessions waiting to be processed, oldest first.
		PendingSessionIDs(ctx context.Context) ([]string, error)
	}

	// Analyzer scores a recording. Implementations enforce their own timeout.
	Analyzer interface {
		Analyze(ctx context.Context, locator, sessionID string) (*AnalyzerResponse, error)
	}

	// Scheduler runs the processing of a session asynchronously.
	Scheduler interface {
		Schedule(id string) error
	}

	Service struct {
		repo      Repository
		analyzer  Analyzer
		scheduler Scheduler
		log       core.Logger
		validate  *validator.Validate
		now       func() time.Time
	}
)

func NewService(repo Repository, analyzer Analyzer, scheduler Scheduler, logger core.Logger, validate *validator.Validate) *Service {
	return &Service{
		repo:      repo,
		analyzer:  analyzer,
		scheduler: scheduler,
		log:       logger,
		validate:  validate,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores a new pending session, then schedules its processing.
func (svc *Service) Create(ctx context.Context, ns NewSession) (Session, error) {
	ns.Clean()
	if err := svc.validate.Struct(ns); err != nil {
		return Session{}, err
	}

	var (
		fp  string
		err error
	)
	switch {
	case ns.Content != nil:
		if fp, err = FingerprintReader(ns.Content); err != nil {
			return Session{}, err
		}
	case ns.VideoURL != "":
		fp = Fingerprint(ns.VideoURL, ns.Metadata)
	}

	sess, err := svc.repo.CreateSession(ctx, Session{
		ID:          uuid.New().String(),
		TeacherID:   ns.TeacherID,
		SchoolID:    ns.SchoolID,
		VideoURL:    ns.VideoURL,
		Metadata:    ns.Metadata,
		Fingerprint: fp,
		Status:      StatusPending,
		CreatedAt:   svc.now(),
	})
	if err != nil {
		return Session{}, err
	}

	// the session stays pending and is picked up again by Recover
	if err := svc.scheduler.Schedule(sess.ID); err != nil {
		svc.log.Warn("session: could not schedule processing", err, map[string]interface{}{"session_id": sess.ID})
	}
	return sess, nil
}

func (svc *Service) Get(ctx context.Context, id string) (Session, error) {
	return svc.repo.GetSession(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Session, error) {
	filter.Clean()
	if err := svc.validate.Struct(filter); err != nil {
		return nil, err
	}
	return svc.repo.QuerySessions(ctx, filter, ordering)
}

func (svc *Service) GetScores(ctx context.Context, sessionID string) (Scores, error) {
	return svc.repo.GetScores(ctx, sessionID)
}

func (svc *Service) GetFeedback(ctx context.Context, sessionID string) (Feedback, error) {
	return svc.repo.GetFeedback(ctx, sessionID)
}

// RecommendForTeacher runs the rule engine on the teacher's latest completed session.
func (svc *Service) RecommendForTeacher(ctx context.Context, teacherID string) (TeacherRecommendation, error) {
	out := TeacherRecommendation{WeakAreas: []WeakArea{}, Reasons: map[string]string{}}

	sess, err := svc.repo.LatestCompleted(ctx, teacherID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			out.Message = msgNoSession
			return out, nil
		}
		return out, err
	}
	out.SessionUsed = true
	out.SessionID = sess.ID

	content := DecodeContentMetrics(sess.ContentMetrics)
	if content == nil {
		content = payloadContentMetrics(sess.AnalysisResult)
	}
	rec := Recommend(content)
	for _, area := range rec.Areas {
		out.WeakAreas = append(out.WeakAreas, WeakArea{Area: area, Label: AreaLabel(area), Reason: rec.Reasons[area]})
	}
	out.Reasons = rec.Reasons
	if len(rec.Areas) == 0 {
		out.Message = msgScoresGood
	} else {
		out.Message = msgRecommending
	}
	return out, nil
}

// Recover releases claims older than staleAfter and schedules every pending session again.
// It returns the number of scheduled sessions.
func (svc *Service) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	released, err := svc.repo.ReleaseStaleClaims(ctx, svc.now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		svc.log.Warn(fmt.Sprintf("session: released %d stale claim(s)", released))
	}

	ids, err := svc.repo.PendingSessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	var scheduled int
	for _, id := range ids {
		if err := svc.scheduler.Schedule(id); err != nil {
			return scheduled, errors.Wrapf(err, "scheduling session %s", id)
		}
		scheduled++
	}
	return scheduled, nil
}

// Process runs the processing pipeline for one session:
// reuse the result of a completed session with the same fingerprint, or analyze the recording,
// then complete and lock the session. Any failure is recorded on the session; Process never panics.
func (svc *Service) Process(ctx context.Context, id string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic while processing session: %v", r)
			svc.log.Error("session: process panicked", err, map[string]interface{}{"session_id": id})
			svc.fail(ctx, id, err)
			outcome = OutcomeFailed
		}
	}()

	sess, err := svc.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return OutcomeSkipped // creator failed before commit
		}
		svc.fail(ctx, id, &PersistenceError{Op: "load session", Err: err})
		return OutcomeFailed
	}
	if sess.IsLocked {
		return OutcomeSkipped
	}

	claimed, err := svc.repo.ClaimSession(ctx, id, svc.now())
	if err != nil {
		svc.fail(ctx, id, &PersistenceError{Op: "claim session", Err: err})
		return OutcomeFailed
	}
	if !claimed {
		return OutcomeSkipped
	}

	fp := sess.Fingerprint
	if fp == "" && strings.TrimSpace(sess.VideoURL) != "" {
		fp = Fingerprint(sess.VideoURL, sess.Metadata)
	}

	var (
		res    Result
		source string
	)
	if fp != "" {
		reusable, found, err := svc.findReusable(ctx, fp, id)
		if err != nil {
			svc.fail(ctx, id, err)
			return OutcomeFailed
		}
		if found {
			if res, err = copyResult(id, reusable.Result); err != nil {
				svc.fail(ctx, id, err)
				return OutcomeFailed
			}
			source = reusable.SessionID
		}
	}

	outcome = OutcomeReused
	if source == "" {
		if res, err = svc.analyze(ctx, sess); err != nil {
			svc.fail(ctx, id, err)
			return OutcomeFailed
		}
		outcome = OutcomeAnalyzed
	}

	err = svc.repo.CompleteSession(ctx, id, Completion{
		TeacherID:       sess.TeacherID,
		Fingerprint:     fp,
		Result:          res,
		AnalyzedAt:      svc.now(),
		SourceSessionID: source,
	})
	if err != nil {
		if errors.Cause(err) == ErrLocked {
			svc.log.Warn("session: completed concurrently", map[string]interface{}{"session_id": id})
			return OutcomeSkipped
		}
		svc.fail(ctx, id, &PersistenceError{Op: "complete session", Err: err})
		return OutcomeFailed
	}
	return outcome
}

// findReusable looks for a completed session sharing fp whose scores are still valid.
func (svc *Service) findReusable(ctx context.Context, fp, id string) (Reusable, bool, error) {
	reusable, err := svc.repo.FindReusableResult(ctx, fp, id)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Reusable{}, false, nil
		}
		return Reusable{}, false, &PersistenceError{Op: "find reusable result", Err: err}
	}
	if err := svc.validate.Struct(reusable.Result.Scores); err != nil {
		svc.log.Warn("session: reusable result has invalid scores", err, map[string]interface{}{
			"session_id":        id,
			"source_session_id": reusable.SessionID,
		})
		return Reusable{}, false, nil
	}
	return reusable, true, nil
}

func (svc *Service) analyze(ctx context.Context, sess Session) (Result, error) {
	locator := strings.TrimSpace(sess.VideoURL)
	if locator == "" {
		return Result{}, ErrMissingLocator
	}
	resp, err := svc.analyzer.Analyze(ctx, locator, sess.ID)
	if err != nil {
		return Result{}, err
	}
	if resp == nil {
		return Result{}, &AnalyzerBadResponse{Err: errors.New("empty response")}
	}
	if resp.Warning != "" {
		return Result{}, &AnalyzerSoftWarning{Warning: resp.Warning}
	}
	return MapAnalyzerResponse(svc.validate, sess.ID, resp)
}

// fail records err on the session. Failing to do so is only logged.
func (svc *Service) fail(ctx context.Context, id string, err error) {
	reason := FailureReason(err)
	data := map[string]interface{}{"session_id": id, "reason": reason}

	var perr *PersistenceError
	if errors.As(err, &perr) {
		svc.log.Error("session: processing failed", err, data)
	} else {
		svc.log.Warn("session: processing failed", err, data)
	}

	if ferr := svc.repo.FailSession(ctx, id, reason); ferr != nil && errors.Cause(ferr) != ErrLocked {
		svc.log.Error("session: could not record failure", ferr, data)
	}
}

// copyResult stamps the result bundle of another session with id.
func copyResult(id string, src Result) (Result, error) {
	res := src
	res.Scores.SessionID = id
	res.Feedback.SessionID = id
	res.Scores.CreatedAt = time.Time{}
	res.Feedback.CreatedAt = time.Time{}

	var err error
	if rawOrNil(src.Payload) != nil {
		res.Payload, err = restampPayload(src.Payload, id)
	} else {
		res.Payload, err = payloadFromResult(id, src)
	}
	if err != nil {
		return Result{}, &PersistenceError{Op: "copy result", Err: err}
	}
	return res, nil
}
