package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"quiz-session-service/internal/domain"
	"go.uber.org/zap"
)

const (
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 6
	roomCodeAttempts = 8
)

// RoomConfig tunes room lifetimes and finalize behaviour.
type RoomConfig struct {
	// Duration is the default answering window of a room.
	Duration time.Duration
	// Grace is added to the deadline to get the TTL of ephemeral keys.
	Grace time.Duration
	// FinalizeLockTTL bounds how long a crashed finalizer can hold a room.
	FinalizeLockTTL time.Duration
	// FinalizeWait is how long a concurrent finalize waits for the holder.
	FinalizeWait time.Duration
	// FinalizePoll is the poll interval while waiting.
	FinalizePoll time.Duration
	// ClosedTTL is how long a finalized room code stays reserved.
	ClosedTTL time.Duration
	// NotifyTimeout bounds each asynchronous broadcast.
	NotifyTimeout time.Duration
}

func (c RoomConfig) withDefaults() RoomConfig {
	if c.Duration <= 0 {
		c.Duration = 30 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = time.Hour
	}
	if c.FinalizeLockTTL <= 0 {
		c.FinalizeLockTTL = 30 * time.Second
	}
	if c.FinalizeWait <= 0 {
		c.FinalizeWait = 5 * time.Second
	}
	if c.FinalizePoll <= 0 {
		c.FinalizePoll = 25 * time.Millisecond
	}
	if c.ClosedTTL <= 0 {
		c.ClosedTTL = 24 * time.Hour
	}
	return c
}

// RoomService implements the online mode: room lifecycle, answer scoring,
// leaderboard and finalize.
type RoomService struct {
	store   SessionStore
	answers AnswerKeyResolver
	reports ReportRepository
	notify  Broadcaster
	async   *Dispatcher
	log     *zap.Logger
	cfg     RoomConfig
	now     func() time.Time
	codes   func() (string, error)
}

func NewRoomService(store SessionStore, answers AnswerKeyResolver, reports ReportRepository, notify Broadcaster, log *zap.Logger, cfg RoomConfig) *RoomService {
	cfg = cfg.withDefaults()
	return &RoomService{
		store:   store,
		answers: answers,
		reports: reports,
		notify:  notify,
		async:   NewDispatcher(log, cfg.NotifyTimeout),
		log:     log,
		cfg:     cfg,
		now:     time.Now,
		codes:   randomRoomCode,
	}
}

// WithClock swaps the time source; used by tests for deterministic deadlines.
func (s *RoomService) WithClock(now func() time.Time) *RoomService {
	s.now = now
	return s
}

// Wait blocks until queued notifications have been delivered or dropped.
func (s *RoomService) Wait() {
	s.async.Wait()
}

// CreateRoomRequest carries the teacher's room parameters.
type CreateRoomRequest struct {
	QuizID              string
	TeacherID           string
	TeacherConnectionID string
	TotalStudents       int
	TotalQuestions      int
	// Duration overrides the configured answering window when positive.
	Duration time.Duration
}

// CreateRoom allocates a unique room code and stores the room metadata.
func (s *RoomService) CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.Room, error) {
	if req.QuizID == "" || req.TotalQuestions <= 0 {
		return domain.Room{}, domain.ErrInvalidQuiz
	}
	duration := req.Duration
	if duration <= 0 {
		duration = s.cfg.Duration
	}

	now := s.now()
	room := domain.Room{
		QuizID:              req.QuizID,
		TeacherID:           req.TeacherID,
		TeacherConnectionID: req.TeacherConnectionID,
		TotalStudents:       req.TotalStudents,
		TotalQuestions:      req.TotalQuestions,
		StartDate:           now,
		Deadline:            now.Add(duration),
	}
	ttl := duration + s.cfg.Grace

	for i := 0; i < roomCodeAttempts; i++ {
		code, err := s.codes()
		if err != nil {
			return domain.Room{}, fmt.Errorf("generate room code: %w", err)
		}
		room.Code = code
		data, err := json.Marshal(room)
		if err != nil {
			return domain.Room{}, err
		}
		// Codes of live and recently finalized rooms stay reserved.
		outcome, _, err := s.store.ClaimAndApply(ctx, Claim{Guards: []Guard{
			{Kind: GuardAbsent, Key: roomClosedKey(code)},
			{Kind: GuardAbsent, Key: roomMetaKey(code)},
		}},
			Mutation{Op: OpSet, Key: roomMetaKey(code), Value: string(data), Delta: ttl.Milliseconds()},
			Mutation{Op: OpSet, Key: roomStatusKey(code), Value: string(domain.RoomCreated), Delta: ttl.Milliseconds()},
		)
		if err != nil {
			return domain.Room{}, domain.StoreError("create room", err)
		}
		if outcome == ClaimGuardFailed {
			continue
		}
		s.log.Info("room created",
			zap.String("room", code),
			zap.String("quiz", room.QuizID),
			zap.String("teacher", room.TeacherID),
			zap.Int("totalQuestions", room.TotalQuestions))
		return room, nil
	}
	return domain.Room{}, fmt.Errorf("allocate room code: %w", domain.ErrConflict)
}

// StartRoom moves a created room to active and restarts its answering window.
func (s *RoomService) StartRoom(ctx context.Context, roomCode string) (domain.Room, error) {
	room, status, err := s.loadRoom(ctx, roomCode)
	if err != nil {
		return domain.Room{}, err
	}
	switch status {
	case domain.RoomActive:
		return room, nil
	case domain.RoomFinalizing, domain.RoomClosed:
		return domain.Room{}, domain.ErrRoomClosed
	}

	duration := room.Deadline.Sub(room.StartDate)
	room.StartDate = s.now()
	room.Deadline = room.StartDate.Add(duration)
	ttl := duration + s.cfg.Grace

	data, err := json.Marshal(room)
	if err != nil {
		return domain.Room{}, err
	}
	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{Guards: roomGuards(roomCode)},
		Mutation{Op: OpSet, Key: roomMetaKey(roomCode), Value: string(data), Delta: ttl.Milliseconds()},
		Mutation{Op: OpSet, Key: roomStatusKey(roomCode), Value: string(domain.RoomActive), Delta: ttl.Milliseconds()},
	)
	if err != nil {
		return domain.Room{}, domain.StoreError("start room", err)
	}
	if outcome == ClaimGuardFailed {
		return domain.Room{}, roomGuardError(GuardIndex(previous))
	}
	s.log.Info("room started", zap.String("room", roomCode), zap.Time("deadline", room.Deadline))
	return room, nil
}

// AttachTeacher points leaderboard pushes at a new teacher connection, e.g.
// after the teacher reconnected.
func (s *RoomService) AttachTeacher(ctx context.Context, roomCode, teacherID, connectionID string) (domain.Room, error) {
	room, status, err := s.loadRoom(ctx, roomCode)
	if err != nil {
		return domain.Room{}, err
	}
	if status == domain.RoomFinalizing || status == domain.RoomClosed {
		return domain.Room{}, domain.ErrRoomClosed
	}
	if room.TeacherID != teacherID {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	room.TeacherConnectionID = connectionID
	data, err := json.Marshal(room)
	if err != nil {
		return domain.Room{}, err
	}
	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{Guards: roomGuards(roomCode)},
		Mutation{Op: OpSet, Key: roomMetaKey(roomCode), Value: string(data), Delta: s.remainingTTL(room).Milliseconds()},
	)
	if err != nil {
		return domain.Room{}, domain.StoreError("attach teacher", err)
	}
	if outcome == ClaimGuardFailed {
		return domain.Room{}, roomGuardError(GuardIndex(previous))
	}
	return room, nil
}

// JoinRoom registers a student in the room. Rejoining keeps the counters and
// only refreshes the display name.
func (s *RoomService) JoinRoom(ctx context.Context, roomCode, studentID, studentName string) (domain.Participant, error) {
	if err := domain.ValidateID("student ID", studentID); err != nil {
		return domain.Participant{}, err
	}
	room, status, err := s.loadRoom(ctx, roomCode)
	if err != nil {
		return domain.Participant{}, err
	}
	// A room being finalized no longer admits anyone.
	if status == domain.RoomFinalizing || status == domain.RoomClosed {
		return domain.Participant{}, domain.ErrRoomNotFound
	}

	ttl := s.remainingTTL(room)
	pKey := participantKey(roomCode, studentID)
	rosterKey := roomRosterKey(roomCode)
	outcome, _, err := s.store.ClaimAndApply(ctx, Claim{
		Key:    rosterKey,
		Field:  studentID,
		Value:  studentName,
		Guards: roomGuards(roomCode),
	},
		Mutation{Op: OpHashSet, Key: pKey, Field: fieldName, Value: studentName},
		Mutation{Op: OpHashIncr, Key: pKey, Field: fieldScore},
		Mutation{Op: OpHashIncr, Key: pKey, Field: fieldCorrect},
		Mutation{Op: OpHashIncr, Key: pKey, Field: fieldWrong},
		Mutation{Op: OpHashSet, Key: pKey, Field: fieldRank, Value: "0"},
		Mutation{Op: OpHashSet, Key: pKey, Field: fieldTotalQuestions, Value: strconv.Itoa(room.TotalQuestions)},
		Mutation{Op: OpListPush, Key: roomJoinsKey(roomCode), Value: studentID},
		Mutation{Op: OpSortedIncr, Key: roomLeaderboardKey(roomCode), Field: studentID},
		expireMutation(pKey, ttl),
		expireMutation(rosterKey, ttl),
		expireMutation(roomJoinsKey(roomCode), ttl),
		expireMutation(roomLeaderboardKey(roomCode), ttl),
	)
	if err != nil {
		return domain.Participant{}, domain.StoreError("join room", err)
	}

	switch outcome {
	case ClaimGuardFailed:
		return domain.Participant{}, domain.ErrRoomNotFound
	case ClaimDuplicate:
		outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{Guards: participantGuards(roomCode, studentID)},
			Mutation{Op: OpHashSet, Key: pKey, Field: fieldName, Value: studentName},
			Mutation{Op: OpHashSet, Key: rosterKey, Field: studentID, Value: studentName},
		)
		if err != nil {
			return domain.Participant{}, domain.StoreError("join room", err)
		}
		if outcome == ClaimGuardFailed {
			if GuardIndex(previous) >= roomGuardCount {
				return domain.Participant{}, domain.ErrParticipantNotFound
			}
			return domain.Participant{}, domain.ErrRoomNotFound
		}
	default:
		s.log.Info("participant joined", zap.String("room", roomCode), zap.String("student", studentID))
	}
	return s.loadParticipant(ctx, roomCode, studentID)
}

// GetRoom returns the room metadata and current lifecycle status.
func (s *RoomService) GetRoom(ctx context.Context, roomCode string) (domain.Room, domain.RoomStatus, error) {
	return s.loadRoom(ctx, roomCode)
}

// GetParticipant returns the participant's live state, used to resume after reconnect.
func (s *RoomService) GetParticipant(ctx context.Context, roomCode, studentID string) (domain.Participant, error) {
	if err := domain.ValidateID("student ID", studentID); err != nil {
		return domain.Participant{}, err
	}
	if _, _, err := s.loadRoom(ctx, roomCode); err != nil {
		return domain.Participant{}, err
	}
	return s.loadParticipant(ctx, roomCode, studentID)
}

func (s *RoomService) loadRoom(ctx context.Context, roomCode string) (domain.Room, domain.RoomStatus, error) {
	if domain.ValidateID("room code", roomCode) != nil {
		return domain.Room{}, "", domain.ErrRoomNotFound
	}
	raw, err := s.store.Get(ctx, roomMetaKey(roomCode))
	if errors.Is(err, ErrKeyMissing) {
		return domain.Room{}, "", domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, "", domain.StoreError("load room", err)
	}
	var room domain.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return domain.Room{}, "", fmt.Errorf("decode room %s: %w", roomCode, err)
	}

	status := domain.RoomCreated
	rawStatus, err := s.store.Get(ctx, roomStatusKey(roomCode))
	switch {
	case err == nil:
		status = domain.RoomStatus(rawStatus)
	case !errors.Is(err, ErrKeyMissing):
		return domain.Room{}, "", domain.StoreError("load room status", err)
	}
	return room, status, nil
}

func (s *RoomService) loadParticipant(ctx context.Context, roomCode, studentID string) (domain.Participant, error) {
	fields, err := s.store.HGetAll(ctx, participantKey(roomCode, studentID))
	if err != nil {
		return domain.Participant{}, domain.StoreError("load participant", err)
	}
	if len(fields) == 0 {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	answers, err := s.store.HGetAll(ctx, participantAnswersKey(roomCode, studentID))
	if err != nil {
		return domain.Participant{}, domain.StoreError("load participant answers", err)
	}
	wrong, err := s.loadWrongAnswers(ctx, participantWrongKey(roomCode, studentID))
	if err != nil {
		return domain.Participant{}, err
	}

	return domain.Participant{
		StudentID:      studentID,
		StudentName:    fields[fieldName],
		Score:          atoi(fields[fieldScore]),
		CorrectCount:   atoi(fields[fieldCorrect]),
		WrongCount:     atoi(fields[fieldWrong]),
		Rank:           atoi(fields[fieldRank]),
		TotalQuestions: atoi(fields[fieldTotalQuestions]),
		Answered:       sortedKeys(answers),
		WrongAnswers:   wrong,
	}, nil
}

func (s *RoomService) loadWrongAnswers(ctx context.Context, key string) ([]domain.WrongAnswerRecord, error) {
	return loadWrongAnswers(ctx, s.store, key)
}

// remainingTTL keeps late-created keys expiring together with the room.
func (s *RoomService) remainingTTL(room domain.Room) time.Duration {
	ttl := room.Deadline.Add(s.cfg.Grace).Sub(s.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func randomRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(buf), nil
}
