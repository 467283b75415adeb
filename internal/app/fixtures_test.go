package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a Broadcaster that keeps every event it was asked to send.
type recorder struct {
	mu    sync.Mutex
	conns map[string][]domain.Event
	rooms map[string][]domain.Event
	fail  error
}

func newRecorder() *recorder {
	return &recorder{conns: make(map[string][]domain.Event), rooms: make(map[string][]domain.Event)}
}

func (r *recorder) SendToConnection(_ context.Context, id string, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.conns[id] = append(r.conns[id], ev)
	return nil
}

func (r *recorder) SendToRoom(_ context.Context, code string, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.rooms[code] = append(r.rooms[code], ev)
	return nil
}

func (r *recorder) toConnection(id string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.conns[id]...)
}

func (r *recorder) toRoom(code string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.rooms[code]...)
}

var errStoreDown = errors.New("connection refused")

// flakyStore fails ClaimAndApply and Apply while down is set.
type flakyStore struct {
	app.SessionStore
	mu   sync.Mutex
	down bool
}

func (s *flakyStore) setDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

func (s *flakyStore) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *flakyStore) ClaimAndApply(ctx context.Context, claim app.Claim, mutations ...app.Mutation) (app.ClaimOutcome, string, error) {
	if s.isDown() {
		return app.Claimed, "", errStoreDown
	}
	return s.SessionStore.ClaimAndApply(ctx, claim, mutations...)
}

func (s *flakyStore) Apply(ctx context.Context, mutations ...app.Mutation) error {
	if s.isDown() {
		return errStoreDown
	}
	return s.SessionStore.Apply(ctx, mutations...)
}

// interleavedStore runs before once, just ahead of the first ClaimAndApply
// whose claim matches, to order a concurrent operation before the commit.
type interleavedStore struct {
	app.SessionStore
	match  func(app.Claim) bool
	before func()
	once   sync.Once
}

func (s *interleavedStore) ClaimAndApply(ctx context.Context, claim app.Claim, mutations ...app.Mutation) (app.ClaimOutcome, string, error) {
	if s.match(claim) {
		s.once.Do(s.before)
	}
	return s.SessionStore.ClaimAndApply(ctx, claim, mutations...)
}

// flakyResults fails SaveAttemptResult the first failures times.
type flakyResults struct {
	*memory.ReportRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyResults) SaveAttemptResult(ctx context.Context, result domain.AttemptResult) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("insert attempt_results: connection reset")
	}
	r.mu.Unlock()
	return r.ReportRepository.SaveAttemptResult(ctx, result)
}

func opt(id string) *string { return &id }

// quizzes: "quiz-a" has two questions worth 10 each, "quiz-b" three worth 1,
// "quiz-timed" has a 60 second limit and "quiz-empty" no questions.
func quizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-a": {
			ID: "quiz-a",
			Questions: []domain.Question{
				{ID: "Q1", Options: []domain.Option{{ID: "A", Correct: true}, {ID: "B"}, {ID: "C"}}, Points: 10},
				{ID: "Q2", Options: []domain.Option{{ID: "A"}, {ID: "B"}, {ID: "C", Correct: true}}, Points: 10},
			},
		},
		"quiz-b": {
			ID: "quiz-b",
			Questions: []domain.Question{
				{ID: "Q1", Options: []domain.Option{{ID: "A", Correct: true}, {ID: "B"}}},
				{ID: "Q2", Options: []domain.Option{{ID: "A"}, {ID: "B", Correct: true}}},
				{ID: "Q3", Options: []domain.Option{{ID: "A", Correct: true}, {ID: "B"}}},
			},
		},
		"quiz-timed": {
			ID:              "quiz-timed",
			DurationSeconds: 60,
			Questions: []domain.Question{
				{ID: "Q1", Options: []domain.Option{{ID: "A", Correct: true}, {ID: "B"}}},
			},
		},
		"quiz-empty": {ID: "quiz-empty"},
	}
}

type roomFixture struct {
	clock   *clock
	store   *memory.SessionStore
	loader  *memory.StaticQuizLoader
	reports *memory.ReportRepository
	notify  *recorder
	rooms   *app.RoomService
}

func newRoomFixture(t *testing.T, cfg app.RoomConfig) *roomFixture {
	t.Helper()
	clk := newClock()
	f := &roomFixture{
		clock:   clk,
		store:   memory.NewSessionStoreWithClock(clk.Now),
		loader:  memory.NewStaticQuizLoader(quizzes()),
		reports: memory.NewReportRepository(),
		notify:  newRecorder(),
	}
	f.rooms = app.NewRoomService(f.store, memory.NewAnswerKeyCache(f.loader, time.Minute), f.reports, f.notify, zap.NewNop(), cfg).
		WithClock(clk.Now)
	t.Cleanup(f.rooms.Wait)
	return f
}

// openRoom creates and starts a room over quiz-a with the given students joined in order.
func (f *roomFixture) openRoom(t *testing.T, students ...string) domain.Room {
	t.Helper()
	ctx := context.Background()
	room, err := f.rooms.CreateRoom(ctx, app.CreateRoomRequest{
		QuizID:              "quiz-a",
		TeacherID:           "teacher-1",
		TeacherConnectionID: "conn-teacher",
		TotalStudents:       len(students),
		TotalQuestions:      2,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := f.rooms.StartRoom(ctx, room.Code); err != nil {
		t.Fatalf("start room: %v", err)
	}
	for _, s := range students {
		if _, err := f.rooms.JoinRoom(ctx, room.Code, s, "name-"+s); err != nil {
			t.Fatalf("join %s: %v", s, err)
		}
	}
	return room
}

func (f *roomFixture) answer(t *testing.T, code, student, question, option string) domain.AnswerVerdict {
	t.Helper()
	v, err := f.rooms.CheckAnswer(context.Background(), app.AnswerRequest{
		RoomCode: code, StudentID: student, QuestionID: question, OptionID: option,
	})
	if err != nil {
		t.Fatalf("answer %s/%s: %v", student, question, err)
	}
	return v
}

func (f *roomFixture) participant(t *testing.T, code, student string) domain.Participant {
	t.Helper()
	p, err := f.rooms.GetParticipant(context.Background(), code, student)
	if err != nil {
		t.Fatalf("participant %s: %v", student, err)
	}
	return p
}
