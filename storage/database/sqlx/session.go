package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/types"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
)

const (
	actionSessionProcessed = "session_processed"
	uniqueViolation        = "23505"
)

// orderable maps API ordering fields to columns.
var orderable = map[string]string{
	"created_at":  "created_at",
	"analyzed_at": "analyzed_at",
	"status":      "status",
	"teacher_id":  "teacher_id",
}

type (
	sessionRow struct {
		ID             string      `db:"id"`
		TeacherID      string      `db:"teacher_id"`
		SchoolID       null.String `db:"school_id"`
		VideoURL       string      `db:"video_url"`
		UploadMetadata types.JSON  `db:"upload_metadata"`
		ContentHash    null.String `db:"content_hash"`
		Status         string      `db:"status"`
		ErrorMessage   null.String `db:"error_message"`
		IsLocked       bool        `db:"is_locked"`
		AnalysisResult null.JSON   `db:"analysis_result"`
		Transcript     null.String `db:"transcript"`
		AudioMetrics   null.JSON   `db:"audio_metrics"`
		ContentMetrics null.JSON   `db:"content_metrics"`
		ClaimedAt      null.Time   `db:"claimed_at"`
		CreatedAt      time.Time   `db:"created_at"`
		AnalyzedAt     null.Time   `db:"analyzed_at"`
	}

	// reusableRow is a completed session joined with its scores and feedback.
	reusableRow struct {
		ID               string          `db:"id"`
		Transcript       null.String     `db:"transcript"`
		AudioMetrics     null.JSON       `db:"audio_metrics"`
		ContentMetrics   null.JSON       `db:"content_metrics"`
		AnalysisResult   null.JSON       `db:"analysis_result"`
		Strengths        pq.StringArray  `db:"strengths"`
		Improvements     pq.StringArray  `db:"improvements"`
		Recommendations  pq.StringArray  `db:"recommendations"`
		SemanticFeedback null.JSON       `db:"semantic_feedback"`
		ClarityScore     float64         `db:"clarity_score"`
		EngagementScore  float64         `db:"engagement_score"`
		InteractionScore float64         `db:"interaction_score"`
		OverallScore     float64         `db:"overall_score"`
	}

	scoresRow struct {
		SessionID        string    `db:"session_id"`
		ClarityScore     float64   `db:"clarity_score"`
		EngagementScore  float64   `db:"engagement_score"`
		InteractionScore float64   `db:"interaction_score"`
		OverallScore     float64   `db:"overall_score"`
		CreatedAt        time.Time `db:"created_at"`
	}

	feedbackRow struct {
		SessionID        string         `db:"session_id"`
		Strengths        pq.StringArray `db:"strengths"`
		Improvements     pq.StringArray `db:"improvements"`
		Recommendations  pq.StringArray `db:"recommendations"`
		SemanticFeedback null.JSON      `db:"semantic_feedback"`
		CreatedAt        time.Time      `db:"created_at"`
	}
)

const sessionColumns = `id, teacher_id, school_id, video_url, upload_metadata, content_hash, status, error_message,
	is_locked, analysis_result, transcript, audio_metrics, content_metrics, claimed_at, created_at, analyzed_at`

type sessionRepository struct {
	db *sqlx.DB
}

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db *sqlx.DB) *sessionRepository {
	return &sessionRepository{db: db}
}

func nullJSON(r json.RawMessage) null.JSON {
	t := strings.TrimSpace(string(r))
	if t == "" || t == "null" {
		return null.JSON{}
	}
	return null.JSONFrom(r)
}

func rawJSON(j null.JSON) json.RawMessage {
	if !j.Valid {
		return nil
	}
	return json.RawMessage(j.JSON)
}

func toRow(sess session.Session) (sessionRow, error) {
	md, err := json.Marshal(sess.Metadata)
	if err != nil {
		return sessionRow{}, errors.Wrap(err, "encoding upload metadata")
	}
	row := sessionRow{
		ID:             sess.ID,
		TeacherID:      sess.TeacherID,
		SchoolID:       null.NewString(sess.SchoolID, sess.SchoolID != ""),
		VideoURL:       sess.VideoURL,
		UploadMetadata: types.JSON(md),
		ContentHash:    null.NewString(sess.Fingerprint, sess.Fingerprint != ""),
		Status:         string(sess.Status),
		ErrorMessage:   null.NewString(sess.ErrorMessage, sess.ErrorMessage != ""),
		IsLocked:       sess.IsLocked,
		AnalysisResult: nullJSON(sess.AnalysisResult),
		Transcript:     null.NewString(sess.Transcript, sess.Transcript != ""),
		AudioMetrics:   nullJSON(sess.AudioMetrics),
		ContentMetrics: nullJSON(sess.ContentMetrics),
		ClaimedAt:      null.NewTime(sess.ClaimedAt.UTC(), !sess.ClaimedAt.IsZero()),
		CreatedAt:      sess.CreatedAt.UTC(),
		AnalyzedAt:     null.TimeFromPtr(sess.AnalyzedAt),
	}
	return row, nil
}

func fromRow(row sessionRow) session.Session {
	sess := session.Session{
		ID:             row.ID,
		TeacherID:      row.TeacherID,
		SchoolID:       row.SchoolID.String,
		VideoURL:       row.VideoURL,
		Fingerprint:    strings.TrimSpace(row.ContentHash.String),
		Status:         session.Status(row.Status),
		ErrorMessage:   row.ErrorMessage.String,
		IsLocked:       row.IsLocked,
		AnalysisResult: rawJSON(row.AnalysisResult),
		Transcript:     row.Transcript.String,
		AudioMetrics:   rawJSON(row.AudioMetrics),
		ContentMetrics: rawJSON(row.ContentMetrics),
		CreatedAt:      row.CreatedAt.UTC(),
	}
	_ = row.UploadMetadata.Unmarshal(&sess.Metadata) // free-form column: unknown shapes are dropped
	if row.ClaimedAt.Valid {
		sess.ClaimedAt = row.ClaimedAt.Time.UTC()
	}
	if row.AnalyzedAt.Valid {
		t := row.AnalyzedAt.Time.UTC()
		sess.AnalyzedAt = &t
	}
	return sess
}

// trapNoRowsErr maps psql "no rows" err to session.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return session.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (repo *sessionRepository) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	row, err := toRow(sess)
	if err != nil {
		return session.Session{}, err
	}
	q := `INSERT INTO classroom_sessions (` + sessionColumns + `)
		VALUES (:id, :teacher_id, :school_id, :video_url, :upload_metadata, :content_hash, :status, :error_message,
			:is_locked, :analysis_result, :transcript, :audio_metrics, :content_metrics, :claimed_at, :created_at, :analyzed_at)`
	if _, err = repo.db.NamedExecContext(ctx, q, row); err != nil {
		return session.Session{}, errors.Wrap(err, "inserting session")
	}
	return fromRow(row), nil
}

func (repo *sessionRepository) GetSession(ctx context.Context, id string) (session.Session, error) {
	if !validID(id) {
		return session.Session{}, session.ErrNotFound
	}
	var row sessionRow
	q := `SELECT ` + sessionColumns + ` FROM classroom_sessions WHERE id = $1`
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		return session.Session{}, trapNoRowsErr(err, "selecting session")
	}
	return fromRow(row), nil
}

func (repo *sessionRepository) ClaimSession(ctx context.Context, id string, at time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	res, err := repo.db.ExecContext(ctx, `
		UPDATE classroom_sessions
		SET status = 'processing', claimed_at = $2, error_message = NULL
		WHERE id = $1 AND NOT is_locked
		  AND (status IN ('pending', 'failed') OR (status = 'processing' AND claimed_at IS NULL))`,
		id, at.UTC(),
	)
	if err != nil {
		return false, errors.Wrap(err, "claiming session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "claiming session")
	}
	return n == 1, nil
}

func (repo *sessionRepository) FindReusableResult(ctx context.Context, fingerprint, excludeID string) (session.Reusable, error) {
	var row reusableRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT cs.id, cs.transcript, cs.audio_metrics, cs.content_metrics, cs.analysis_result,
		       f.strengths, f.improvements, f.recommendations, f.semantic_feedback,
		       sc.clarity_score, sc.engagement_score, sc.interaction_score, sc.overall_score
		FROM classroom_sessions cs
		JOIN feedback f ON f.session_id = cs.id
		JOIN scores sc ON sc.session_id = cs.id
		WHERE cs.content_hash = $1 AND cs.status = 'completed' AND cs.id::text <> $2
		ORDER BY cs.created_at ASC
		LIMIT 1`,
		fingerprint, excludeID,
	)
	if err != nil {
		return session.Reusable{}, trapNoRowsErr(err, "selecting reusable result")
	}
	return session.Reusable{
		SessionID: row.ID,
		Result: session.Result{
			Scores: session.Scores{
				SessionID:   row.ID,
				Clarity:     row.ClarityScore,
				Engagement:  row.EngagementScore,
				Interaction: row.InteractionScore,
				Overall:     row.OverallScore,
			},
			Feedback: session.Feedback{
				SessionID:        row.ID,
				Strengths:        []string(row.Strengths),
				Improvements:     []string(row.Improvements),
				Recommendations:  []string(row.Recommendations),
				SemanticFeedback: rawJSON(row.SemanticFeedback),
			},
			Transcript:     row.Transcript.String,
			AudioMetrics:   rawJSON(row.AudioMetrics),
			ContentMetrics: rawJSON(row.ContentMetrics),
			Payload:        rawJSON(row.AnalysisResult),
		},
	}, nil
}

// lockedOrMissing tells why a guarded update touched no row.
func (repo *sessionRepository) lockedOrMissing(ctx context.Context, exec sqlx.QueryerContext, id string) error {
	var locked bool
	err := sqlx.GetContext(ctx, exec, &locked, `SELECT is_locked FROM classroom_sessions WHERE id = $1`, id)
	if err != nil {
		return trapNoRowsErr(err, "checking session lock")
	}
	if locked {
		return session.ErrLocked
	}
	return errors.Errorf("session %s was not updated", id)
}

func (repo *sessionRepository) CompleteSession(ctx context.Context, id string, c session.Completion) (err error) {
	if !validID(id) {
		return session.ErrNotFound
	}
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	analyzedAt := c.AnalyzedAt.UTC()
	res := c.Result
	result, err := tx.ExecContext(ctx, `
		UPDATE classroom_sessions
		SET status = 'completed', error_message = NULL, transcript = $2, audio_metrics = $3, content_metrics = $4,
		    analysis_result = $5, content_hash = COALESCE($6, content_hash), analyzed_at = $7, is_locked = TRUE
		WHERE id = $1 AND NOT is_locked`,
		id,
		null.NewString(res.Transcript, res.Transcript != ""),
		nullJSON(res.AudioMetrics),
		nullJSON(res.ContentMetrics),
		nullJSON(res.Payload),
		null.NewString(c.Fingerprint, c.Fingerprint != ""),
		analyzedAt,
	)
	if err != nil {
		return errors.Wrap(err, "completing session")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "completing session")
	}
	if n == 0 {
		err = repo.lockedOrMissing(ctx, tx, id)
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scores (session_id, clarity_score, engagement_score, interaction_score, overall_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, res.Scores.Clarity, res.Scores.Engagement, res.Scores.Interaction, res.Scores.Overall, analyzedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = session.ErrLocked
			return err
		}
		return errors.Wrap(err, "inserting scores")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feedback (session_id, strengths, improvements, recommendations, semantic_feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id,
		pq.StringArray(nonNil(res.Feedback.Strengths)),
		pq.StringArray(nonNil(res.Feedback.Improvements)),
		pq.StringArray(nonNil(res.Feedback.Recommendations)),
		nullJSON(res.Feedback.SemanticFeedback),
		analyzedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = session.ErrLocked
			return err
		}
		return errors.Wrap(err, "inserting feedback")
	}

	details := map[string]interface{}{"session_id": id, "reused": c.SourceSessionID != ""}
	if c.SourceSessionID != "" {
		details["source_session_id"] = c.SourceSessionID
	}
	var detailsJSON types.JSON
	if err = detailsJSON.Marshal(details); err != nil {
		return errors.Wrap(err, "encoding activity details")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_activity (user_id, action, details, created_at) VALUES ($1, $2, $3, $4)`,
		null.NewString(c.TeacherID, c.TeacherID != ""), actionSessionProcessed, detailsJSON, analyzedAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting activity")
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing completion")
	}
	return nil
}

func (repo *sessionRepository) FailSession(ctx context.Context, id, reason string) error {
	if !validID(id) {
		return session.ErrNotFound
	}
	result, err := repo.db.ExecContext(ctx, `
		UPDATE classroom_sessions
		SET status = 'failed', error_message = $2, claimed_at = NULL
		WHERE id = $1 AND NOT is_locked`,
		id, core.Truncate(reason, session.MaxReasonLength),
	)
	if err != nil {
		return errors.Wrap(err, "failing session")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failing session")
	}
	if n == 0 {
		return repo.lockedOrMissing(ctx, repo.db, id)
	}
	return nil
}

func (repo *sessionRepository) GetScores(ctx context.Context, sessionID string) (session.Scores, error) {
	if !validID(sessionID) {
		return session.Scores{}, session.ErrNotFound
	}
	var row scoresRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT session_id, clarity_score, engagement_score, interaction_score, overall_score, created_at
		FROM scores WHERE session_id = $1`, sessionID)
	if err != nil {
		return session.Scores{}, trapNoRowsErr(err, "selecting scores")
	}
	return session.Scores{
		SessionID:   row.SessionID,
		Clarity:     row.ClarityScore,
		Engagement:  row.EngagementScore,
		Interaction: row.InteractionScore,
		Overall:     row.OverallScore,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

func (repo *sessionRepository) GetFeedback(ctx context.Context, sessionID string) (session.Feedback, error) {
	if !validID(sessionID) {
		return session.Feedback{}, session.ErrNotFound
	}
	var row feedbackRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT session_id, strengths, improvements, recommendations, semantic_feedback, created_at
		FROM feedback WHERE session_id = $1`, sessionID)
	if err != nil {
		return session.Feedback{}, trapNoRowsErr(err, "selecting feedback")
	}
	return session.Feedback{
		SessionID:        row.SessionID,
		Strengths:        nonNil(row.Strengths),
		Improvements:     nonNil(row.Improvements),
		Recommendations:  nonNil(row.Recommendations),
		SemanticFeedback: rawJSON(row.SemanticFeedback),
		CreatedAt:        row.CreatedAt.UTC(),
	}, nil
}

func (repo *sessionRepository) QuerySessions(ctx context.Context, filter session.QueryFilter, ordering []core.DBOrdering) ([]session.Session, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TeacherID != "" {
		add("teacher_id = $%d", filter.TeacherID)
	}
	if filter.SchoolID != "" {
		add("school_id = $%d", filter.SchoolID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	q := `SELECT ` + sessionColumns + ` FROM classroom_sessions`
	if !filter.IsEmpty() {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + orderBy(ordering)

	var rows []sessionRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting sessions")
	}
	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, fromRow(row))
	}
	return sessions, nil
}

// orderBy builds an ORDER BY clause from whitelisted fields, newest first by default.
func orderBy(ordering []core.DBOrdering) string {
	clauses := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		if col, ok := orderable[ord.Field]; ok {
			clauses = append(clauses, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
		}
	}
	if len(clauses) == 0 {
		clauses = append(clauses, "created_at DESC")
	}
	return strings.Join(append(clauses, "id ASC"), ", ")
}

func (repo *sessionRepository) LatestCompleted(ctx context.Context, teacherID string) (session.Session, error) {
	var row sessionRow
	q := `SELECT ` + sessionColumns + ` FROM classroom_sessions
		WHERE teacher_id = $1 AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`
	if err := repo.db.GetContext(ctx, &row, q, teacherID); err != nil {
		return session.Session{}, trapNoRowsErr(err, "selecting latest completed session")
	}
	return fromRow(row), nil
}

func (repo *sessionRepository) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := repo.db.ExecContext(ctx, `
		UPDATE classroom_sessions
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND NOT is_locked AND claimed_at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "releasing stale claims")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "releasing stale claims")
	}
	return int(n), nil
}

func (repo *sessionRepository) PendingSessionIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	err := repo.db.SelectContext(ctx, &ids, `
		SELECT id FROM classroom_sessions
		WHERE NOT is_locked AND (status = 'pending' OR (status = 'processing' AND claimed_at IS NULL))
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "selecting pending sessions")
	}
	return ids, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
