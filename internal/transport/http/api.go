package http

import (
	"net/http"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// API exposes the room and attempt use cases as JSON over HTTP.
type API struct {
	rooms    *app.RoomService
	attempts *app.AttemptService
	log      *zap.Logger
}

func NewAPI(rooms *app.RoomService, attempts *app.AttemptService, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{rooms: rooms, attempts: attempts, log: log}
}

// NewRouter builds the gin engine serving the JSON API, the websocket
// endpoint and the health check.
func NewRouter(api *API, ws *WSHandler, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if ws != nil {
		r.GET("/ws", gin.WrapF(ws.ServeWS))
	}

	rooms := r.Group("/rooms")
	rooms.POST("", api.createRoom)
	rooms.GET("/:code", api.getRoom)
	rooms.POST("/:code/start", api.startRoom)
	rooms.POST("/:code/join", api.joinRoom)
	rooms.GET("/:code/participants/:studentId", api.getParticipant)
	rooms.POST("/:code/answers", api.checkAnswer)
	rooms.POST("/:code/leaderboard", api.updateLeaderboard)
	rooms.POST("/:code/finalize", api.finalizeRoom)

	attempts := r.Group("/attempts")
	attempts.POST("", api.startAttempt)
	attempts.GET("/active", api.activeAttempt)
	attempts.POST("/answers", api.processAnswer)
	attempts.POST("/finish", api.finishAttempt)

	r.GET("/results", api.getResult)
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

type createRoomRequest struct {
	QuizID              string `json:"quizId" binding:"required"`
	TeacherID           string `json:"teacherId" binding:"required"`
	TeacherConnectionID string `json:"teacherConnectionId"`
	TotalStudents       int    `json:"totalStudents"`
	TotalQuestions      int    `json:"totalQuestions"`
	DurationSeconds     int    `json:"durationSeconds"`
}

type joinRoomRequest struct {
	StudentID   string `json:"studentId" binding:"required"`
	StudentName string `json:"studentName" binding:"required"`
}

type checkAnswerRequest struct {
	StudentID  string `json:"studentId" binding:"required"`
	QuizID     string `json:"quizId"`
	QuestionID string `json:"questionId" binding:"required"`
	OptionID   string `json:"optionId"`
}

type attemptRequest struct {
	StudentID string `json:"studentId" form:"studentId" binding:"required"`
	QuizID    string `json:"quizId" form:"quizId" binding:"required"`
	GroupID   string `json:"groupId" form:"groupId"`
}

func (r attemptRequest) key() domain.AttemptKey {
	return domain.AttemptKey{StudentID: r.StudentID, QuizID: r.QuizID, GroupID: r.GroupID}
}

type processAnswerRequest struct {
	attemptRequest
	QuestionID       string  `json:"questionId" binding:"required"`
	SelectedOptionID *string `json:"selectedOptionId"`
}

type finishAttemptRequest struct {
	attemptRequest
	EndTime *time.Time `json:"endTime"`
}

type roomStatusResponse struct {
	Room   domain.Room       `json:"room"`
	Status domain.RoomStatus `json:"status"`
}

func (a *API) createRoom(c *gin.Context) {
	var req createRoomRequest
	if !a.bindJSON(c, &req) {
		return
	}
	room, err := a.rooms.CreateRoom(c.Request.Context(), app.CreateRoomRequest{
		QuizID:              req.QuizID,
		TeacherID:           req.TeacherID,
		TeacherConnectionID: req.TeacherConnectionID,
		TotalStudents:       req.TotalStudents,
		TotalQuestions:      req.TotalQuestions,
		Duration:            time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (a *API) getRoom(c *gin.Context) {
	room, status, err := a.rooms.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, roomStatusResponse{Room: room, Status: status})
}

func (a *API) startRoom(c *gin.Context) {
	room, err := a.rooms.StartRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (a *API) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if !a.bindJSON(c, &req) {
		return
	}
	participant, err := a.rooms.JoinRoom(c.Request.Context(), c.Param("code"), req.StudentID, req.StudentName)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, participant)
}

func (a *API) getParticipant(c *gin.Context) {
	participant, err := a.rooms.GetParticipant(c.Request.Context(), c.Param("code"), c.Param("studentId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, participant)
}

func (a *API) checkAnswer(c *gin.Context) {
	var req checkAnswerRequest
	if !a.bindJSON(c, &req) {
		return
	}
	verdict, err := a.rooms.CheckAnswer(c.Request.Context(), app.AnswerRequest{
		RoomCode:   c.Param("code"),
		StudentID:  req.StudentID,
		QuizID:     req.QuizID,
		QuestionID: req.QuestionID,
		OptionID:   req.OptionID,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (a *API) updateLeaderboard(c *gin.Context) {
	lb, err := a.rooms.UpdateLeaderboard(c.Request.Context(), c.Param("code"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lb)
}

func (a *API) finalizeRoom(c *gin.Context) {
	code := c.Param("code")
	if err := a.rooms.FinalizeRoom(c.Request.Context(), code); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomCode": code, "status": domain.RoomClosed})
}

func (a *API) startAttempt(c *gin.Context) {
	var req attemptRequest
	if !a.bindJSON(c, &req) {
		return
	}
	attempt, err := a.attempts.StartAttempt(c.Request.Context(), req.key())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, attempt)
}

func (a *API) activeAttempt(c *gin.Context) {
	var req attemptRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	attempt, err := a.attempts.GetActiveAttempt(c.Request.Context(), req.key())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (a *API) processAnswer(c *gin.Context) {
	var req processAnswerRequest
	if !a.bindJSON(c, &req) {
		return
	}
	verdict, err := a.attempts.ProcessAnswer(c.Request.Context(), req.key(), req.QuestionID, req.SelectedOptionID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (a *API) finishAttempt(c *gin.Context) {
	var req finishAttemptRequest
	if !a.bindJSON(c, &req) {
		return
	}
	var end time.Time
	if req.EndTime != nil {
		end = *req.EndTime
	}
	result, err := a.attempts.FinishAttempt(c.Request.Context(), req.key(), end)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) getResult(c *gin.Context) {
	var req attemptRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	result, err := a.attempts.GetResult(c.Request.Context(), req.key())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		a.badRequest(c, err)
		return false
	}
	return true
}

func (a *API) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorPayload{Code: "bad_request", Message: err.Error()})
}

func (a *API) fail(c *gin.Context, err error) {
	status, payload := newErrorPayload(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}
