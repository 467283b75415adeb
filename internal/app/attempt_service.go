package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-session-service/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AttemptConfig tunes offline attempt lifetimes.
type AttemptConfig struct {
	// TTL bounds how long an unfinished attempt stays resumable.
	TTL time.Duration
	// FinishLockTTL bounds how long a crashed finisher can hold an attempt.
	FinishLockTTL time.Duration
}

func (c AttemptConfig) withDefaults() AttemptConfig {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.FinishLockTTL <= 0 {
		c.FinishLockTTL = 30 * time.Second
	}
	return c
}

// attemptMeta is the immutable part of an attempt written once at start.
type attemptMeta struct {
	StartTime       time.Time `json:"startTime"`
	TotalQuestion   int       `json:"totalQuestion"`
	MaxScore        int       `json:"maxScore"`
	DurationSeconds int       `json:"durationSeconds"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// AttemptService implements the offline single-player mode. Correctness is
// always read from the durable quiz source, never from the shared cache.
type AttemptService struct {
	store   SessionStore
	quizzes QuizSource
	results ReportRepository
	log     *zap.Logger
	cfg     AttemptConfig
	now     func() time.Time
}

func NewAttemptService(store SessionStore, quizzes QuizSource, results ReportRepository, log *zap.Logger, cfg AttemptConfig) *AttemptService {
	return &AttemptService{
		store:   store,
		quizzes: quizzes,
		results: results,
		log:     log,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// WithClock swaps the time source; used by tests.
func (s *AttemptService) WithClock(now func() time.Time) *AttemptService {
	s.now = now
	return s
}

// StartAttempt opens a new attempt. Only one may be active per key.
func (s *AttemptService) StartAttempt(ctx context.Context, key domain.AttemptKey) (domain.OfflineAttempt, error) {
	if err := validateAttemptKey(key); err != nil {
		return domain.OfflineAttempt{}, err
	}
	quiz, err := s.quizzes.LoadQuiz(ctx, key.QuizID)
	if err != nil {
		return domain.OfflineAttempt{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.OfflineAttempt{}, domain.ErrInvalidQuiz
	}

	now := s.now()
	if err := s.checkGroupDeadline(ctx, key, now); err != nil {
		return domain.OfflineAttempt{}, err
	}

	ttl := s.cfg.TTL
	if d := quiz.Duration(); d > ttl {
		ttl = d
	}
	meta := attemptMeta{
		StartTime:       now,
		TotalQuestion:   len(quiz.Questions),
		MaxScore:        quiz.MaxScore(),
		DurationSeconds: quiz.DurationSeconds,
		ExpiresAt:       now.Add(ttl),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return domain.OfflineAttempt{}, err
	}
	// Meta and counters appear together or not at all, so a failed start
	// leaves nothing that would block a retry.
	counters := attemptCountersKey(key)
	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{Guards: []Guard{
		{Kind: GuardAbsent, Key: attemptMetaKey(key)},
		{Kind: GuardAbsent, Key: attemptLockKey(key)},
	}},
		Mutation{Op: OpSet, Key: attemptMetaKey(key), Value: string(data), Delta: ttl.Milliseconds()},
		Mutation{Op: OpHashIncr, Key: counters, Field: fieldCorrect},
		Mutation{Op: OpHashIncr, Key: counters, Field: fieldWrong},
		Mutation{Op: OpHashIncr, Key: counters, Field: fieldScore},
		expireMutation(counters, ttl),
	)
	if err != nil {
		return domain.OfflineAttempt{}, domain.StoreError("start attempt", err)
	}
	if outcome == ClaimGuardFailed {
		if GuardIndex(previous) == 0 {
			return domain.OfflineAttempt{}, domain.ErrAttemptExists
		}
		return domain.OfflineAttempt{}, domain.ErrFinishInProgress
	}

	s.log.Info("attempt started",
		zap.String("student", key.StudentID),
		zap.String("quiz", key.QuizID),
		zap.String("group", key.GroupID))
	return domain.OfflineAttempt{
		AttemptKey:    key,
		Answered:      []string{},
		WrongAnswers:  []domain.WrongAnswerRecord{},
		TotalQuestion: meta.TotalQuestion,
		StartTime:     meta.StartTime,
		MaxScore:      meta.MaxScore,
	}, nil
}

// GetActiveAttempt returns the in-progress attempt for resuming a session.
func (s *AttemptService) GetActiveAttempt(ctx context.Context, key domain.AttemptKey) (domain.OfflineAttempt, error) {
	if err := validateAttemptKey(key); err != nil {
		return domain.OfflineAttempt{}, err
	}
	meta, err := s.loadMeta(ctx, key)
	if err != nil {
		return domain.OfflineAttempt{}, err
	}
	return s.loadAttempt(ctx, key, meta)
}

// ProcessAnswer scores one answer. A nil selectedOptionID is a skip and counts
// as wrong. Answering a question twice is a successful no-op.
func (s *AttemptService) ProcessAnswer(ctx context.Context, key domain.AttemptKey, questionID string, selectedOptionID *string) (domain.AnswerVerdict, error) {
	if err := validateAttemptKey(key); err != nil {
		return domain.AnswerVerdict{}, err
	}
	meta, err := s.loadMeta(ctx, key)
	if err != nil {
		return domain.AnswerVerdict{}, err
	}

	now := s.now()
	if meta.DurationSeconds > 0 && now.After(meta.StartTime.Add(time.Duration(meta.DurationSeconds)*time.Second)) {
		return domain.AnswerVerdict{}, domain.ErrAttemptExpired
	}
	if err := s.checkGroupDeadline(ctx, key, now); err != nil {
		return domain.AnswerVerdict{}, err
	}

	quiz, err := s.quizzes.LoadQuiz(ctx, key.QuizID)
	if err != nil {
		return domain.AnswerVerdict{}, err
	}
	question, ok := quiz.Question(questionID)
	if !ok {
		return domain.AnswerVerdict{}, domain.ErrQuestionNotFound
	}
	answerKey := domain.AnswerKey{
		QuizID:          key.QuizID,
		QuestionID:      questionID,
		CorrectOptionID: question.CorrectOptionID(),
		Points:          question.PointValue(),
	}

	selected := ""
	if selectedOptionID != nil {
		selected = *selectedOptionID
	}
	correct := selectedOptionID != nil && IsCorrect(answerKey, selected)

	ttl := meta.ExpiresAt.Sub(now)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	counters := attemptCountersKey(key)
	var mutations []Mutation
	if correct {
		mutations = []Mutation{
			{Op: OpHashIncr, Key: counters, Field: fieldCorrect, Delta: 1},
			{Op: OpHashIncr, Key: counters, Field: fieldScore, Delta: int64(answerKey.Points)},
		}
	} else {
		record, err := encodeWrongAnswer(domain.WrongAnswerRecord{
			QuestionID:       questionID,
			SelectedOptionID: selectedOptionID,
			CorrectOptionID:  answerKey.CorrectOptionID,
		})
		if err != nil {
			return domain.AnswerVerdict{}, err
		}
		mutations = []Mutation{
			{Op: OpHashIncr, Key: counters, Field: fieldWrong, Delta: 1},
			{Op: OpListPush, Key: attemptWrongKey(key), Value: record},
			expireMutation(attemptWrongKey(key), ttl),
		}
	}
	mutations = append(mutations, expireMutation(attemptAnswersKey(key), ttl))

	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{
		Key:    attemptAnswersKey(key),
		Field:  questionID,
		Value:  selected,
		Limit:  meta.TotalQuestion,
		Guards: activeAttemptGuards(key),
	}, mutations...)
	if err != nil {
		return domain.AnswerVerdict{}, domain.StoreError("process answer", err)
	}
	switch outcome {
	case ClaimDuplicate:
		return domain.AnswerVerdict{
			QuestionID: questionID,
			Correct:    IsCorrect(answerKey, previous),
			Duplicate:  true,
		}, nil
	case ClaimLimitReached:
		return domain.AnswerVerdict{}, domain.ErrAnswerLimit
	case ClaimGuardFailed:
		if GuardIndex(previous) == 0 {
			return domain.AnswerVerdict{}, domain.ErrAttemptNotFound
		}
		return domain.AnswerVerdict{}, domain.ErrAttemptClosed
	}

	verdict := domain.AnswerVerdict{QuestionID: questionID, Correct: correct}
	if correct {
		verdict.Awarded = answerKey.Points
	}
	return verdict, nil
}

// FinishAttempt persists the result and drops the ephemeral attempt. The
// result ID is derived from the attempt so a retried finish overwrites.
func (s *AttemptService) FinishAttempt(ctx context.Context, key domain.AttemptKey, endTime time.Time) (domain.AttemptResult, error) {
	if err := validateAttemptKey(key); err != nil {
		return domain.AttemptResult{}, err
	}
	meta, err := s.loadMeta(ctx, key)
	if err != nil {
		return domain.AttemptResult{}, err
	}

	lockKey := attemptLockKey(key)
	acquired, err := s.store.SetNX(ctx, lockKey, "1", s.cfg.FinishLockTTL)
	if err != nil {
		return domain.AttemptResult{}, domain.StoreError("finish attempt", err)
	}
	if !acquired {
		return domain.AttemptResult{}, domain.ErrFinishInProgress
	}

	result, err := s.finishLocked(ctx, key, meta, endTime)
	if err != nil {
		if delErr := s.store.Delete(ctx, lockKey); delErr != nil {
			s.log.Warn("release finish marker failed", zap.String("student", key.StudentID), zap.Error(delErr))
		}
		return domain.AttemptResult{}, err
	}

	if _, err := s.store.DeletePrefix(ctx, attemptPrefix(key)); err != nil {
		s.log.Warn("delete attempt keys failed", zap.String("student", key.StudentID), zap.Error(err))
	}
	s.log.Info("attempt finished",
		zap.String("student", key.StudentID),
		zap.String("quiz", key.QuizID),
		zap.Int("correct", result.CorrectCount),
		zap.Int("wrong", result.WrongCount),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *AttemptService) finishLocked(ctx context.Context, key domain.AttemptKey, meta attemptMeta, endTime time.Time) (domain.AttemptResult, error) {
	attempt, err := s.loadAttempt(ctx, key, meta)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	if endTime.IsZero() {
		endTime = s.now()
	}
	duration := endTime.Sub(meta.StartTime)
	if duration < 0 {
		duration = 0
	}

	result := domain.AttemptResult{
		ID:            attemptResultID(key, meta.StartTime),
		AttemptKey:    key,
		CorrectCount:  attempt.CorrectCount,
		WrongCount:    attempt.WrongCount,
		TotalQuestion: meta.TotalQuestion,
		ScoreEarned:   attempt.ScoreEarned,
		MaxScore:      meta.MaxScore,
		StartTime:     meta.StartTime,
		EndTime:       endTime,
		Duration:      duration,
		WrongAnswers:  attempt.WrongAnswers,
	}
	if err := s.results.SaveAttemptResult(ctx, result); err != nil {
		return domain.AttemptResult{}, persistenceError("save attempt result", err)
	}
	return result, nil
}

// GetResult reads the most recent finished result from durable storage.
func (s *AttemptService) GetResult(ctx context.Context, key domain.AttemptKey) (domain.AttemptResult, error) {
	if err := validateAttemptKey(key); err != nil {
		return domain.AttemptResult{}, err
	}
	return s.results.LatestAttemptResult(ctx, key)
}

func (s *AttemptService) loadMeta(ctx context.Context, key domain.AttemptKey) (attemptMeta, error) {
	raw, err := s.store.Get(ctx, attemptMetaKey(key))
	if errors.Is(err, ErrKeyMissing) {
		return attemptMeta{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return attemptMeta{}, domain.StoreError("load attempt", err)
	}
	var meta attemptMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return attemptMeta{}, fmt.Errorf("decode attempt: %w", err)
	}
	return meta, nil
}

func (s *AttemptService) loadAttempt(ctx context.Context, key domain.AttemptKey, meta attemptMeta) (domain.OfflineAttempt, error) {
	counters, err := s.store.HGetAll(ctx, attemptCountersKey(key))
	if err != nil {
		return domain.OfflineAttempt{}, domain.StoreError("load attempt counters", err)
	}
	answers, err := s.store.HGetAll(ctx, attemptAnswersKey(key))
	if err != nil {
		return domain.OfflineAttempt{}, domain.StoreError("load attempt answers", err)
	}
	wrong, err := loadWrongAnswers(ctx, s.store, attemptWrongKey(key))
	if err != nil {
		return domain.OfflineAttempt{}, err
	}
	return domain.OfflineAttempt{
		AttemptKey:    key,
		Answered:      sortedKeys(answers),
		WrongAnswers:  wrong,
		CorrectCount:  atoi(counters[fieldCorrect]),
		WrongCount:    atoi(counters[fieldWrong]),
		TotalQuestion: meta.TotalQuestion,
		StartTime:     meta.StartTime,
		ScoreEarned:   atoi(counters[fieldScore]),
		MaxScore:      meta.MaxScore,
	}, nil
}

func (s *AttemptService) checkGroupDeadline(ctx context.Context, key domain.AttemptKey, now time.Time) error {
	if key.GroupID == "" {
		return nil
	}
	deadline, ok, err := s.quizzes.GroupDeadline(ctx, key.QuizID, key.GroupID)
	if err != nil {
		return err
	}
	if ok && now.After(deadline) {
		return domain.ErrAttemptExpired
	}
	return nil
}

func attemptResultID(key domain.AttemptKey, start time.Time) string {
	name := attemptPrefix(key) + start.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
