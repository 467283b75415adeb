package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSHandler struct {
	rooms    *app.RoomService
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(rooms *app.RoomService, hub *Hub, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		rooms: rooms,
		hub:   hub,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type createRoomPayload struct {
	QuizID          string `json:"quizId"`
	TeacherID       string `json:"teacherId"`
	TotalStudents   int    `json:"totalStudents"`
	TotalQuestions  int    `json:"totalQuestions"`
	DurationSeconds int    `json:"durationSeconds"`
}

type roomPayload struct {
	RoomCode  string `json:"roomCode"`
	TeacherID string `json:"teacherId,omitempty"`
}

type joinPayload struct {
	RoomCode    string `json:"roomCode"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
}

type answerPayload struct {
	QuizID     string `json:"quizId"`
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

// session is what a connection has bound itself to so far. teacherOf is the
// room this connection created or attached to as its teacher.
type session struct {
	conn      *client
	roomCode  string
	studentID string
	teacherOf string
}

// ServeWS upgrades HTTP requests to websockets and wires them into the room use cases.
// Every connection first receives its connection ID; teachers pass it on when
// creating a room so leaderboard pushes reach them.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c, err := h.hub.register(conn)
	if err != nil {
		conn.Close()
		return
	}
	go h.hub.writePump(c)
	defer h.hub.unregister(c)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sess := &session{conn: c}
	h.reply(c, "connected", connectedPayload{ConnectionID: c.id})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws read failed", zap.String("connection", c.id), zap.Error(err))
			}
			return
		}
		h.handle(r.Context(), sess, inbound)
	}
}

func (h *WSHandler) handle(ctx context.Context, sess *session, inbound inboundMessage) {
	c := sess.conn
	switch inbound.Type {
	case "createRoom":
		var p createRoomPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		room, err := h.rooms.CreateRoom(ctx, app.CreateRoomRequest{
			QuizID:              p.QuizID,
			TeacherID:           p.TeacherID,
			TeacherConnectionID: c.id,
			TotalStudents:       p.TotalStudents,
			TotalQuestions:      p.TotalQuestions,
			Duration:            time.Duration(p.DurationSeconds) * time.Second,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		h.hub.joinRoom(c.id, room.Code)
		sess.roomCode, sess.teacherOf = room.Code, room.Code
		h.reply(c, "roomCreated", room)

	case "attachTeacher":
		var p roomPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		room, err := h.rooms.AttachTeacher(ctx, p.RoomCode, p.TeacherID, c.id)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.hub.joinRoom(c.id, room.Code)
		sess.roomCode, sess.teacherOf = room.Code, room.Code
		h.reply(c, "teacherAttached", room)

	case "startRoom":
		var p roomPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		code := h.roomOf(sess, p.RoomCode)
		if !h.teaches(sess, code) {
			return
		}
		room, err := h.rooms.StartRoom(ctx, code)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.reply(c, "roomStarted", room)

	case "join":
		var p joinPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		participant, err := h.rooms.JoinRoom(ctx, p.RoomCode, p.StudentID, p.StudentName)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.hub.joinRoom(c.id, p.RoomCode)
		sess.roomCode, sess.studentID = p.RoomCode, p.StudentID
		h.reply(c, "joined", participant)

	case "answer":
		var p answerPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		if sess.studentID == "" {
			h.fail(c, domain.ErrParticipantNotFound)
			return
		}
		verdict, err := h.rooms.CheckAnswer(ctx, app.AnswerRequest{
			RoomCode:   sess.roomCode,
			StudentID:  sess.studentID,
			QuizID:     p.QuizID,
			QuestionID: p.QuestionID,
			OptionID:   p.OptionID,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		h.reply(c, "answerResult", verdict)

	case "leaderboard":
		var p roomPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		lb, err := h.rooms.UpdateLeaderboard(ctx, h.roomOf(sess, p.RoomCode))
		if err != nil {
			h.fail(c, err)
			return
		}
		h.reply(c, domain.EventLeaderboard, lb)

	case "finalize":
		var p roomPayload
		if !h.decode(c, inbound, &p) {
			return
		}
		code := h.roomOf(sess, p.RoomCode)
		if !h.teaches(sess, code) {
			return
		}
		if err := h.rooms.FinalizeRoom(ctx, code); err != nil {
			h.fail(c, err)
			return
		}
		h.reply(c, "finalized", roomPayload{RoomCode: code})

	default:
		h.reply(c, "error", errorPayload{Code: "bad_request", Message: "unsupported message type"})
	}
}

// roomOf falls back to the room the connection is bound to.
func (h *WSHandler) roomOf(sess *session, roomCode string) string {
	if roomCode != "" {
		return roomCode
	}
	return sess.roomCode
}

// teaches replies forbidden unless the connection is bound as the room's teacher.
func (h *WSHandler) teaches(sess *session, roomCode string) bool {
	if sess.teacherOf != "" && sess.teacherOf == roomCode {
		return true
	}
	h.reply(sess.conn, "error", errorPayload{Code: "forbidden", Message: "connection is not the teacher of room " + roomCode})
	return false
}

func (h *WSHandler) decode(c *client, inbound inboundMessage, v any) bool {
	if len(inbound.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(inbound.Payload, v); err != nil {
		h.reply(c, "error", errorPayload{Code: "bad_request", Message: "invalid " + inbound.Type + " payload"})
		return false
	}
	return true
}

func (h *WSHandler) fail(c *client, err error) {
	status, payload := newErrorPayload(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("ws request failed", zap.String("connection", c.id), zap.Error(err))
	}
	h.reply(c, "error", payload)
}

func (h *WSHandler) reply(c *client, typ string, payload any) {
	if err := h.hub.SendToConnection(context.Background(), c.id, domain.Event{Type: typ, Payload: payload}); err != nil {
		h.log.Debug("ws reply dropped", zap.String("connection", c.id), zap.String("type", typ), zap.Error(err))
	}
}
