package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	infra "github.com/pot-code/progress-sync/internal/infrastructure"
	"github.com/pot-code/progress-sync/internal/infrastructure/auth"
	"github.com/pot-code/progress-sync/internal/infrastructure/validate"
	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/session"
	"github.com/pot-code/progress-sync/internal/syncer"
	"github.com/pot-code/progress-sync/internal/tracker"
)

// ProgressHandler progress endpoints of the signed in user
type ProgressHandler struct {
	sessions  *session.Manager
	jwtUtil   *auth.JWTUtil
	validator validate.Validator
}

// NewProgressHandler .
func NewProgressHandler(sessions *session.Manager, jwtUtil *auth.JWTUtil, validator validate.Validator) *ProgressHandler {
	return &ProgressHandler{sessions, jwtUtil, validator}
}

type contentParams struct {
	Course  string `param:"course" validate:"required,segment"`
	Module  string `param:"module" validate:"required,segment"`
	Content string `param:"content" validate:"required,segment"`
}

type progressRequest struct {
	Kind      string  `json:"kind" validate:"required,oneof=seconds page scroll"`
	Value     float64 `json:"value" validate:"min=0"`
	Completed bool    `json:"completed"`
}

type interactionRequest struct {
	Type string          `json:"type" validate:"required,max=64"`
	Data json.RawMessage `json:"data"`
}

type contentResponse struct {
	Progress *progress.Record    `json:"progress"`
	State    syncer.ContentState `json:"state"`
}

type syncResponse struct {
	Report *syncer.SyncReport `json:"report,omitempty"`
	Status syncer.Status      `json:"status"`
	Error  string             `json:"error,omitempty"`
}

func (ph *ProgressHandler) session(c echo.Context) (*session.Session, error) {
	claims := ph.jwtUtil.GetContextToken(c)
	return ph.sessions.Open(claims.UID)
}

// content read and validate the content path params
func (ph *ProgressHandler) content(c echo.Context) (*contentParams, []*validate.FieldError) {
	p := &contentParams{
		Course:  c.Param("course"),
		Module:  c.Param("module"),
		Content: c.Param("content"),
	}
	return p, ph.validator.Struct(p)
}

func (ph *ProgressHandler) course(c echo.Context, s *session.Session, courseID string) (*tracker.CourseProgress, error) {
	cp, err := s.Tracker.GetCourseProgress(courseID)
	if err == nil {
		return cp, nil
	}
	return s.Tracker.LoadCourse(c.Request().Context(), courseID)
}

// HandleGetCourseProgress GET /courses/:course/progress
func (ph *ProgressHandler) HandleGetCourseProgress(c echo.Context) error {
	if errs := ph.validator.Empty("course", c.Param("course")); errs != nil {
		return renderInvalid(c, errs)
	}
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	cp, err := ph.course(c, s, c.Param("course"))
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// HandleGetModuleProgress GET /courses/:course/modules/:module/progress
func (ph *ProgressHandler) HandleGetModuleProgress(c echo.Context) error {
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	cp, err := ph.course(c, s, c.Param("course"))
	if err != nil {
		return renderError(c, err)
	}
	m, ok := cp.Module(c.Param("module"))
	if !ok {
		return c.JSON(http.StatusNotFound, NewRESTStandardError(http.StatusNotFound, "module not found"))
	}
	return c.JSON(http.StatusOK, m)
}

// HandleGetContentProgress GET .../contents/:content/progress
func (ph *ProgressHandler) HandleGetContentProgress(c echo.Context) error {
	p, errs := ph.content(c)
	if errs != nil {
		return renderInvalid(c, errs)
	}
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	key := progress.NewContentKey(p.Course, p.Module, p.Content)
	rec, err := s.Orchestrator.GetProgress(c.Request().Context(), key)
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusOK, contentResponse{Progress: rec, State: s.Orchestrator.ContentState(key)})
}

// HandlePutContentProgress PUT .../contents/:content/progress
func (ph *ProgressHandler) HandlePutContentProgress(c echo.Context) error {
	p, errs := ph.content(c)
	if errs != nil {
		return renderInvalid(c, errs)
	}
	req := new(progressRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, NewRESTStandardError(http.StatusBadRequest, err.Error()))
	}
	if errs := ph.validator.Struct(req); errs != nil {
		return renderInvalid(c, errs)
	}
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	pos := progress.Position{Kind: progress.PositionKind(req.Kind), Value: req.Value}
	cp, err := s.Tracker.UpdateContentProgress(c.Request().Context(), p.Course, p.Module, p.Content, pos, req.Completed)
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// HandleCompleteContent POST .../contents/:content/complete
func (ph *ProgressHandler) HandleCompleteContent(c echo.Context) error {
	p, errs := ph.content(c)
	if errs != nil {
		return renderInvalid(c, errs)
	}
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	cp, err := s.Tracker.MarkContentAsCompleted(c.Request().Context(), p.Course, p.Module, p.Content)
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// HandleTrackInteraction POST .../contents/:content/interactions
func (ph *ProgressHandler) HandleTrackInteraction(c echo.Context) error {
	p, errs := ph.content(c)
	if errs != nil {
		return renderInvalid(c, errs)
	}
	req := new(interactionRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, NewRESTStandardError(http.StatusBadRequest, err.Error()))
	}
	if errs := ph.validator.Struct(req); errs != nil {
		return renderInvalid(c, errs)
	}
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	key := progress.NewContentKey(p.Course, p.Module, p.Content)
	e, err := s.Orchestrator.TrackInteraction(c.Request().Context(), key, req.Type, req.Data)
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

// HandleGetAllProgress GET /progress
func (ph *ProgressHandler) HandleGetAllProgress(c echo.Context) error {
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	records, err := s.Orchestrator.GetAllUserProgress(c.Request().Context())
	if err != nil {
		return renderError(c, err)
	}
	if records == nil {
		records = []*progress.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

// HandleSync POST /sync
func (ph *ProgressHandler) HandleSync(c echo.Context) error {
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	report, err := s.Tracker.SyncProgress(c.Request().Context())
	res := syncResponse{Report: report, Status: s.Tracker.Status()}
	if err == nil {
		return c.JSON(http.StatusOK, res)
	}
	code := StatusOf(err)
	if code == 0 {
		return err
	}
	res.Error = err.Error()
	return c.JSON(code, res)
}

// HandleSyncStatus GET /sync/status
func (ph *ProgressHandler) HandleSyncStatus(c echo.Context) error {
	s, err := ph.session(c)
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.Tracker.Status())
}

// HandleProgressStream push a course snapshot to the peer whenever one of its loaded courses changes
func (ph *ProgressHandler) HandleProgressStream(c echo.Context, conn *websocket.Conn) error {
	s, err := ph.session(c)
	if err != nil {
		return err
	}
	snapshots, unsubscribe := s.Tracker.Subscribe()
	defer unsubscribe()

	closed := infra.DrainReads(conn)
	for {
		select {
		case <-closed:
			return nil
		case cp, ok := <-snapshots:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(infra.WriteWait))
			if err := conn.WriteJSON(cp); err != nil {
				return err
			}
		}
	}
}
