package inmemdb

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
)

const actionSessionProcessed = "session_processed"

type sessionRepository struct {
	db *DB
}

var _ session.Repository = (*sessionRepository)(nil)

func NewSessionRepository(db *DB) *sessionRepository {
	return &sessionRepository{db: db}
}

func (repo *sessionRepository) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	stored := cloneSession(sess)
	repo.db.sessions[sess.ID] = &stored
	return cloneSession(stored), nil
}

func (repo *sessionRepository) GetSession(_ context.Context, id string) (session.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if sess, ok := repo.db.sessions[id]; ok {
		return cloneSession(*sess), nil
	}
	return session.Session{}, session.ErrNotFound
}

func (repo *sessionRepository) ClaimSession(_ context.Context, id string, at time.Time) (bool, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sess, ok := repo.db.sessions[id]
	if !ok || sess.IsLocked {
		return false, nil
	}
	switch {
	case sess.Status == session.StatusPending, sess.Status == session.StatusFailed:
	case sess.Status == session.StatusProcessing && sess.ClaimedAt.IsZero():
	default:
		return false, nil
	}
	sess.Status = session.StatusProcessing
	sess.ClaimedAt = at
	sess.ErrorMessage = ""
	return true, nil
}

func (repo *sessionRepository) FindReusableResult(_ context.Context, fingerprint, excludeID string) (session.Reusable, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	// oldest first, to be deterministic
	candidates := repo.sortedSessions([]core.DBOrdering{{Field: "created_at", Ascending: true}})
	for _, sess := range candidates {
		if sess.ID == excludeID || sess.Fingerprint != fingerprint || sess.Status != session.StatusCompleted {
			continue
		}
		scores, okS := repo.db.scores[sess.ID]
		fb, okF := repo.db.feedback[sess.ID]
		if !okS || !okF {
			continue
		}
		return session.Reusable{
			SessionID: sess.ID,
			Result: session.Result{
				Scores:         *scores,
				Feedback:       cloneFeedback(*fb),
				Transcript:     sess.Transcript,
				AudioMetrics:   cloneRaw(sess.AudioMetrics),
				ContentMetrics: cloneRaw(sess.ContentMetrics),
				Payload:        cloneRaw(sess.AnalysisResult),
			},
		}, nil
	}
	return session.Reusable{}, session.ErrNotFound
}

func (repo *sessionRepository) CompleteSession(_ context.Context, id string, c session.Completion) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sess, ok := repo.db.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.IsLocked {
		return session.ErrLocked
	}
	if _, exists := repo.db.scores[id]; exists {
		return session.ErrLocked
	}

	analyzedAt := c.AnalyzedAt
	sess.Status = session.StatusCompleted
	sess.ErrorMessage = ""
	sess.Transcript = c.Result.Transcript
	sess.AudioMetrics = cloneRaw(c.Result.AudioMetrics)
	sess.ContentMetrics = cloneRaw(c.Result.ContentMetrics)
	sess.AnalysisResult = cloneRaw(c.Result.Payload)
	sess.AnalyzedAt = &analyzedAt
	sess.IsLocked = true
	if c.Fingerprint != "" {
		sess.Fingerprint = c.Fingerprint
	}

	scores := c.Result.Scores
	scores.SessionID = id
	scores.CreatedAt = analyzedAt
	repo.db.scores[id] = &scores

	fb := cloneFeedback(c.Result.Feedback)
	fb.SessionID = id
	fb.CreatedAt = analyzedAt
	repo.db.feedback[id] = &fb

	details := map[string]interface{}{"session_id": id, "reused": c.SourceSessionID != ""}
	if c.SourceSessionID != "" {
		details["source_session_id"] = c.SourceSessionID
	}
	repo.db.activity = append(repo.db.activity, Activity{
		UserID:    c.TeacherID,
		Action:    actionSessionProcessed,
		Details:   details,
		CreatedAt: analyzedAt,
	})
	return nil
}

func (repo *sessionRepository) FailSession(_ context.Context, id, reason string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sess, ok := repo.db.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.IsLocked {
		return session.ErrLocked
	}
	sess.Status = session.StatusFailed
	sess.ErrorMessage = reason
	sess.ClaimedAt = time.Time{}
	return nil
}

func (repo *sessionRepository) GetScores(_ context.Context, sessionID string) (session.Scores, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if scores, ok := repo.db.scores[sessionID]; ok {
		return *scores, nil
	}
	return session.Scores{}, session.ErrNotFound
}

func (repo *sessionRepository) GetFeedback(_ context.Context, sessionID string) (session.Feedback, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if fb, ok := repo.db.feedback[sessionID]; ok {
		return cloneFeedback(*fb), nil
	}
	return session.Feedback{}, session.ErrNotFound
}

func (repo *sessionRepository) QuerySessions(_ context.Context, filter session.QueryFilter, ordering []core.DBOrdering) ([]session.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	res := make([]session.Session, 0)
	for _, sess := range repo.sortedSessions(ordering) {
		if filter.TeacherID != "" && sess.TeacherID != filter.TeacherID {
			continue
		}
		if filter.SchoolID != "" && sess.SchoolID != filter.SchoolID {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		res = append(res, cloneSession(sess))
	}
	return res, nil
}

func (repo *sessionRepository) LatestCompleted(_ context.Context, teacherID string) (session.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, sess := range repo.sortedSessions([]core.DBOrdering{{Field: "created_at"}}) {
		if sess.TeacherID == teacherID && sess.Status == session.StatusCompleted {
			return cloneSession(sess), nil
		}
	}
	return session.Session{}, session.ErrNotFound
}

func (repo *sessionRepository) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	var n int
	for _, sess := range repo.db.sessions {
		if sess.IsLocked || sess.Status != session.StatusProcessing || sess.ClaimedAt.IsZero() {
			continue
		}
		if sess.ClaimedAt.Before(olderThan) {
			sess.Status = session.StatusPending
			sess.ClaimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (repo *sessionRepository) PendingSessionIDs(_ context.Context) ([]string, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	ids := make([]string, 0)
	for _, sess := range repo.sortedSessions([]core.DBOrdering{{Field: "created_at", Ascending: true}}) {
		if sess.IsLocked {
			continue
		}
		if sess.Status == session.StatusPending || (sess.Status == session.StatusProcessing && sess.ClaimedAt.IsZero()) {
			ids = append(ids, sess.ID)
		}
	}
	return ids, nil
}

// sortedSessions must be called with the lock held.
func (repo *sessionRepository) sortedSessions(ordering []core.DBOrdering) []session.Session {
	sessions := make([]session.Session, 0, len(repo.db.sessions))
	for _, sess := range repo.db.sessions {
		sessions = append(sessions, *sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		for _, ord := range ordering {
			c := compareSessions(sessions[i], sessions[j], ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

func compareSessions(a, b session.Session, field string) int {
	switch field {
	case "created_at":
		return compareTimes(a.CreatedAt, b.CreatedAt)
	case "analyzed_at":
		var ta, tb time.Time
		if a.AnalyzedAt != nil {
			ta = *a.AnalyzedAt
		}
		if b.AnalyzedAt != nil {
			tb = *b.AnalyzedAt
		}
		return compareTimes(ta, tb)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "teacher_id":
		return strings.Compare(a.TeacherID, b.TeacherID)
	}
	return 0
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneFeedback(fb session.Feedback) session.Feedback {
	fb.Strengths = cloneStrings(fb.Strengths)
	fb.Improvements = cloneStrings(fb.Improvements)
	fb.Recommendations = cloneStrings(fb.Recommendations)
	fb.SemanticFeedback = cloneRaw(fb.SemanticFeedback)
	return fb
}

func cloneSession(sess session.Session) session.Session {
	sess.AnalysisResult = cloneRaw(sess.AnalysisResult)
	sess.AudioMetrics = cloneRaw(sess.AudioMetrics)
	sess.ContentMetrics = cloneRaw(sess.ContentMetrics)
	if sess.AnalyzedAt != nil {
		t := *sess.AnalyzedAt
		sess.AnalyzedAt = &t
	}
	return sess
}
