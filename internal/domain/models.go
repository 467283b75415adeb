package domain

import "time"

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
	Points  int      `json:"points"` // defaults to 1 if zero
}

// PointValue returns the score awarded for a correct answer.
func (q Question) PointValue() int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// CorrectOptionID returns the first option flagged correct, or "" if none is.
func (q Question) CorrectOptionID() string {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt.ID
		}
	}
	return ""
}

// Quiz is a collection of questions.
type Quiz struct {
	ID              string     `json:"id"`
	Questions       []Question `json:"questions"`
	DurationSeconds int        `json:"durationSeconds"` // 0 means untimed
}

// Question looks up a question by ID.
func (q Quiz) Question(questionID string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == questionID {
			return question, true
		}
	}
	return Question{}, false
}

// MaxScore is the sum of all point values.
func (q Quiz) MaxScore() int {
	total := 0
	for _, question := range q.Questions {
		total += question.PointValue()
	}
	return total
}

// Duration is the intended time allowance of an offline attempt.
func (q Quiz) Duration() time.Duration {
	return time.Duration(q.DurationSeconds) * time.Second
}

// AnswerKey is the cached correctness data of one question.
type AnswerKey struct {
	QuizID          string
	QuestionID      string
	CorrectOptionID string
	Points          int
}

// AnswerKeys flattens the quiz into per-question answer keys.
func (q Quiz) AnswerKeys() map[string]AnswerKey {
	keys := make(map[string]AnswerKey, len(q.Questions))
	for _, question := range q.Questions {
		keys[question.ID] = AnswerKey{
			QuizID:          q.ID,
			QuestionID:      question.ID,
			CorrectOptionID: question.CorrectOptionID(),
			Points:          question.PointValue(),
		}
	}
	return keys
}

// RoomStatus tracks the room lifecycle.
type RoomStatus string

const (
	RoomCreated    RoomStatus = "created"
	RoomActive     RoomStatus = "active"
	RoomFinalizing RoomStatus = "finalizing"
	RoomClosed     RoomStatus = "closed"
)

// Room is the metadata of a live multiplayer session.
type Room struct {
	Code                string    `json:"roomCode"`
	QuizID              string    `json:"quizId"`
	TeacherID           string    `json:"teacherId"`
	TeacherConnectionID string    `json:"teacherConnectionId"`
	TotalStudents       int       `json:"totalStudents"`
	TotalQuestions      int       `json:"totalQuestions"`
	StartDate           time.Time `json:"startDate"`
	Deadline            time.Time `json:"deadline"`
}

// Expired reports whether submissions at now are past the room deadline.
func (r Room) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// WrongAnswerRecord captures a missed question. A nil SelectedOptionID means skipped.
type WrongAnswerRecord struct {
	QuestionID       string  `json:"questionId"`
	SelectedOptionID *string `json:"selectedOptionId"`
	CorrectOptionID  string  `json:"correctOptionId"`
}

// Participant is the room-scoped state of one student.
type Participant struct {
	StudentID      string              `json:"studentId"`
	StudentName    string              `json:"studentName"`
	Score          int                 `json:"score"`
	CorrectCount   int                 `json:"correctCount"`
	WrongCount     int                 `json:"wrongCount"`
	Rank           int                 `json:"rank"`
	TotalQuestions int                 `json:"totalQuestions"`
	Answered       []string            `json:"answeredQuestions"`
	WrongAnswers   []WrongAnswerRecord `json:"wrongAnswers"`
}

// LeaderboardEntry is one ranked row of the room leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	Score       int    `json:"score"`
}

// Leaderboard captures the ordered scoreboard for a room.
type Leaderboard struct {
	RoomCode  string             `json:"roomCode"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// AnswerVerdict summarizes the outcome of a submission.
type AnswerVerdict struct {
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"isCorrect"`
	Awarded    int    `json:"awarded"`
	// Duplicate is set when the question had already been answered; nothing was mutated.
	Duplicate bool `json:"duplicate"`
}

// RoomReport is the durable summary of a finalized room.
type RoomReport struct {
	RoomCode         string    `json:"roomCode"`
	QuizID           string    `json:"quizId"`
	TeacherID        string    `json:"teacherId"`
	TotalQuestions   int       `json:"totalQuestions"`
	ParticipantCount int       `json:"participantCount"`
	HighestScore     int       `json:"highestScore"`
	LowestScore      int       `json:"lowestScore"`
	AverageScore     float64   `json:"averageScore"`
	StartDate        time.Time `json:"startDate"`
	FinalizedAt      time.Time `json:"finalizedAt"`
}

// ParticipantResult is the durable per-student row of a finalized room.
type ParticipantResult struct {
	RoomCode       string              `json:"roomCode"`
	StudentID      string              `json:"studentId"`
	StudentName    string              `json:"studentName"`
	Score          int                 `json:"score"`
	CorrectCount   int                 `json:"correctCount"`
	WrongCount     int                 `json:"wrongCount"`
	Rank           int                 `json:"rank"`
	TotalQuestions int                 `json:"totalQuestions"`
	WrongAnswers   []WrongAnswerRecord `json:"wrongAnswers"`
}

// AttemptKey identifies an offline attempt. GroupID is optional.
type AttemptKey struct {
	StudentID string `json:"studentId"`
	QuizID    string `json:"quizId"`
	GroupID   string `json:"groupId,omitempty"`
}

// OfflineAttempt is the ephemeral state of an in-progress attempt.
type OfflineAttempt struct {
	AttemptKey
	Answered      []string            `json:"answeredQuestions"`
	WrongAnswers  []WrongAnswerRecord `json:"wrongAnswers"`
	CorrectCount  int                 `json:"correctCount"`
	WrongCount    int                 `json:"wrongCount"`
	TotalQuestion int                 `json:"totalQuestion"`
	StartTime     time.Time           `json:"startTime"`
	EndTime       *time.Time          `json:"endTime"`
	Duration      time.Duration       `json:"duration"`
	ScoreEarned   int                 `json:"scoreEarned"`
	MaxScore      int                 `json:"maxScore"`
}

// AttemptResult is the durable record of a finished attempt.
type AttemptResult struct {
	ID string `json:"id"`
	AttemptKey
	CorrectCount  int                 `json:"correctCount"`
	WrongCount    int                 `json:"wrongCount"`
	TotalQuestion int                 `json:"totalQuestion"`
	ScoreEarned   int                 `json:"scoreEarned"`
	MaxScore      int                 `json:"maxScore"`
	StartTime     time.Time           `json:"startTime"`
	EndTime       time.Time           `json:"endTime"`
	Duration      time.Duration       `json:"duration"`
	WrongAnswers  []WrongAnswerRecord `json:"wrongAnswers"`
}

// Event is a message pushed through the broadcast gateway.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Event types pushed to clients.
const (
	EventLeaderboard   = "leaderboard"
	EventRoomFinalized = "roomFinalized"
)
