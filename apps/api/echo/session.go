package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
)

const (
	contextSessionKey = "object"
	uploadField       = "video"

	msgAnalysisInProgress = "AI analysis in progress"
	msgAnalysisFailed     = "Analysis failed"
)

var errSessionNotFoundInCtx = errors.New("session object not found in echo.Context")

type (
	sessionApi struct {
		svc      SessionService
		validate *validator.Validate
	}

	// CreateSessionRequest is the upload form of a recorded session.
	CreateSessionRequest struct {
		VideoURL        string   `json:"video_url" form:"video_url"`
		DurationSeconds *float64 `json:"duration_seconds" form:"duration_seconds"`
		SpeechRatio     *float64 `json:"speech_ratio" form:"speech_ratio"`
		AudioEnergy     *float64 `json:"audio_energy" form:"audio_energy"`
		VideoTitle      string   `json:"video_title" form:"video_title"`
		Subject         string   `json:"subject" form:"subject"`
		GradeClass      string   `json:"grade_class" form:"grade_class"`
		DateOfRecording string   `json:"date_of_recording" form:"date_of_recording"`
	}

	// resultStatus is returned instead of scores or feedback while they are not available.
	resultStatus struct {
		Status       session.Status `json:"status"`
		Message      string         `json:"message"`
		ErrorMessage string         `json:"error_message,omitempty"`
	}
)

func registerSessionAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc SessionService, validate *validator.Validate) {
	api := sessionApi{
		svc:      svc,
		validate: validate,
	}

	sg := g.Group("/sessions", jwt)
	sg.POST("", api.create, roleMiddleware(RoleTeacher))
	sg.GET("", api.query)

	// detail endpoints
	dg := sg.Group("/:id", api.ctxSessionMiddleware)
	dg.GET("", api.retrieve)
	dg.GET("/scores", api.scores)
	dg.GET("/feedback", api.feedback)

	tg := g.Group("/teachers/:id", jwt)
	tg.GET("/recommendations", api.recommendations)
}

// Handlers

func (api *sessionApi) create(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data CreateSessionRequest
	if err = ctx.Bind(&data); err != nil {
		return core.NewValidationError(errors.New("invalid session data"))
	}
	ns := session.NewSession{
		TeacherID: claims.Subject,
		SchoolID:  claims.SchoolID,
		VideoURL:  data.VideoURL,
		Metadata: session.Metadata{
			DurationSeconds: data.DurationSeconds,
			SpeechRatio:     data.SpeechRatio,
			AudioEnergy:     data.AudioEnergy,
			VideoTitle:      data.VideoTitle,
			Subject:         data.Subject,
			GradeClass:      data.GradeClass,
			DateOfRecording: data.DateOfRecording,
		},
	}

	// an uploaded file is fingerprinted by its content
	if fh, fErr := ctx.FormFile(uploadField); fErr == nil {
		file, err := fh.Open()
		if err != nil {
			return errors.Wrap(err, "opening uploaded file")
		}
		defer func() { _ = file.Close() }()
		ns.Content = file
	}

	sess, err := api.svc.Create(ctx.Request().Context(), ns)
	if err != nil {
		return errors.Wrap(err, "creating session")
	}
	return ctx.JSON(http.StatusCreated, sess)
}

func (api *sessionApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(session.QueryFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []session.Session{})
	}
	switch claims.Role {
	case RoleAdmin:
	case RoleManagement:
		if claims.SchoolID == "" {
			return ctx.JSON(http.StatusOK, []session.Session{})
		}
		filter.SchoolID = claims.SchoolID
	default:
		filter.TeacherID = claims.Subject
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	sessions, err := api.svc.Query(ctx.Request().Context(), *filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying sessions")
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *sessionApi) retrieve(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *sessionApi) scores(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusCompleted {
		return ctx.JSON(http.StatusOK, statusOf(sess))
	}
	scores, err := api.svc.GetScores(ctx.Request().Context(), sess.ID)
	if err != nil {
		return errors.Wrap(err, "getting scores")
	}
	return ctx.JSON(http.StatusOK, scores)
}

func (api *sessionApi) feedback(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusCompleted {
		return ctx.JSON(http.StatusOK, statusOf(sess))
	}
	fb, err := api.svc.GetFeedback(ctx.Request().Context(), sess.ID)
	if err != nil {
		return errors.Wrap(err, "getting feedback")
	}
	return ctx.JSON(http.StatusOK, fb)
}

func (api *sessionApi) recommendations(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	teacherID := ctx.Param("id")

	switch claims.Role {
	case RoleAdmin:
	case RoleManagement:
		// a manager only sees teachers who have sessions in their school
		if claims.SchoolID == "" {
			return errHttpNotFound
		}
		sessions, err := api.svc.Query(ctx.Request().Context(), session.QueryFilter{TeacherID: teacherID, SchoolID: claims.SchoolID}, nil)
		if err != nil {
			return errors.Wrap(err, "querying teacher sessions")
		}
		if len(sessions) == 0 {
			return errHttpNotFound
		}
	default:
		if teacherID != claims.Subject {
			return errHttpForbidden
		}
	}

	rec, err := api.svc.RecommendForTeacher(ctx.Request().Context(), teacherID)
	if err != nil {
		return errors.Wrap(err, "recommending modules")
	}
	return ctx.JSON(http.StatusOK, rec)
}

// ctxSessionMiddleware loads the session in the path and stores it in the context if the user can see it.
func (api *sessionApi) ctxSessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context claims")
		}

		sess, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			if errors.Cause(err) == session.ErrNotFound {
				return errHttpNotFound
			}
			return errors.Wrap(err, "finding session by ID")
		}
		if !canView(claims, sess) {
			return errHttpNotFound
		}
		ctx.Set(contextSessionKey, sess)
		return next(ctx)
	}
}

func canView(claims Claims, sess session.Session) bool {
	switch {
	case claims.IsAdmin():
		return true
	case claims.IsManagement():
		return claims.SchoolID != "" && sess.SchoolID == claims.SchoolID
	case claims.IsTeacher():
		return sess.TeacherID == claims.Subject
	}
	return false
}

func contextSession(ctx echo.Context) (session.Session, error) {
	sess, ok := ctx.Get(contextSessionKey).(session.Session)
	if !ok {
		return session.Session{}, errors.Wrap(errSessionNotFoundInCtx, "retrieving object from context")
	}
	return sess, nil
}

func statusOf(sess session.Session) resultStatus {
	if sess.Status == session.StatusFailed {
		return resultStatus{Status: session.StatusFailed, Message: msgAnalysisFailed, ErrorMessage: sess.ErrorMessage}
	}
	return resultStatus{Status: session.StatusProcessing, Message: msgAnalysisInProgress}
}
