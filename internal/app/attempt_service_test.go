package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
	"go.uber.org/zap"
)

type attemptFixture struct {
	clock    *clock
	store    *memory.SessionStore
	loader   *memory.StaticQuizLoader
	results  *flakyResults
	attempts *app.AttemptService
}

func newAttemptFixture(t *testing.T) *attemptFixture {
	t.Helper()
	clk := newClock()
	f := &attemptFixture{
		clock:   clk,
		store:   memory.NewSessionStoreWithClock(clk.Now),
		loader:  memory.NewStaticQuizLoader(quizzes()),
		results: &flakyResults{ReportRepository: memory.NewReportRepository()},
	}
	f.attempts = app.NewAttemptService(f.store, f.loader, f.results, zap.NewNop(), app.AttemptConfig{}).WithClock(clk.Now)
	return f
}

func (f *attemptFixture) start(t *testing.T, key domain.AttemptKey) domain.OfflineAttempt {
	t.Helper()
	attempt, err := f.attempts.StartAttempt(context.Background(), key)
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	return attempt
}

func (f *attemptFixture) answer(t *testing.T, key domain.AttemptKey, question string, option *string) domain.AnswerVerdict {
	t.Helper()
	v, err := f.attempts.ProcessAnswer(context.Background(), key, question, option)
	if err != nil {
		t.Fatalf("answer %s: %v", question, err)
	}
	return v
}

func TestOfflineAttemptWithSkip(t *testing.T) {
	f := newAttemptFixture(t)
	key := domain.AttemptKey{StudentID: "S2", QuizID: "quiz-b"}

	started := f.start(t, key)
	if started.TotalQuestion != 3 || started.MaxScore != 3 || !started.StartTime.Equal(f.clock.Now()) {
		t.Fatalf("unexpected attempt %+v", started)
	}

	if v := f.answer(t, key, "Q1", opt("A")); !v.Correct {
		t.Fatalf("expected Q1 correct")
	}
	if v := f.answer(t, key, "Q2", nil); v.Correct {
		t.Fatalf("a skip is never correct")
	}
	f.clock.Advance(90 * time.Second)

	result, err := f.attempts.FinishAttempt(context.Background(), key, f.clock.Now())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if result.CorrectCount != 1 || result.WrongCount != 1 || result.TotalQuestion != 3 || result.ScoreEarned != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Duration != 90*time.Second {
		t.Fatalf("expected 90s duration, got %v", result.Duration)
	}
	if len(result.WrongAnswers) != 1 || result.WrongAnswers[0].SelectedOptionID != nil || result.WrongAnswers[0].CorrectOptionID != "B" {
		t.Fatalf("expected one skipped record, got %+v", result.WrongAnswers)
	}
	if n := f.store.Len(); n != 0 {
		t.Fatalf("expected ephemeral attempt removed, %d keys left", n)
	}

	stored, err := f.attempts.GetResult(context.Background(), key)
	if err != nil || stored.ID != result.ID {
		t.Fatalf("expected stored result %s, got %+v %v", result.ID, stored, err)
	}
}

func TestStartAttemptRejectsSecondActive(t *testing.T) {
	f := newAttemptFixture(t)
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b", GroupID: "G"}
	f.start(t, key)

	_, err := f.attempts.StartAttempt(context.Background(), key)
	if !errors.Is(err, domain.ErrAttemptExists) || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// A different group is a different attempt.
	f.start(t, domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b", GroupID: "H"})
}

func TestStartAttemptValidatesQuiz(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, err := f.attempts.StartAttempt(ctx, domain.AttemptKey{StudentID: "s1", QuizID: "quiz-empty"}); !errors.Is(err, domain.ErrInvalidQuiz) {
		t.Fatalf("expected invalid quiz, got %v", err)
	}
	if _, err := f.attempts.StartAttempt(ctx, domain.AttemptKey{StudentID: "s1", QuizID: "missing"}); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
}

func TestProcessAnswerDuplicateIsNoOp(t *testing.T) {
	f := newAttemptFixture(t)
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	f.start(t, key)

	f.answer(t, key, "Q1", opt("B"))
	v := f.answer(t, key, "Q1", opt("A"))
	if !v.Duplicate || v.Correct {
		t.Fatalf("expected duplicate with the original verdict, got %+v", v)
	}

	attempt, err := f.attempts.GetActiveAttempt(context.Background(), key)
	if err != nil {
		t.Fatalf("active attempt: %v", err)
	}
	if attempt.CorrectCount != 0 || attempt.WrongCount != 1 || len(attempt.Answered) != 1 {
		t.Fatalf("duplicate changed counters: %+v", attempt)
	}
}

func TestProcessAnswerRejections(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}

	if _, err := f.attempts.ProcessAnswer(ctx, key, "Q1", opt("A")); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected attempt not found, got %v", err)
	}
	f.start(t, key)
	if _, err := f.attempts.ProcessAnswer(ctx, key, "Q9", opt("A")); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}

	if _, err := f.store.SetNX(ctx, "attempt:s1:quiz-b::finishing", "1", time.Minute); err != nil {
		t.Fatalf("hold marker: %v", err)
	}
	if _, err := f.attempts.ProcessAnswer(ctx, key, "Q1", opt("A")); !errors.Is(err, domain.ErrAttemptClosed) {
		t.Fatalf("expected closed attempt, got %v", err)
	}
	if _, err := f.attempts.FinishAttempt(ctx, key, time.Time{}); !errors.Is(err, domain.ErrFinishInProgress) {
		t.Fatalf("expected finish in progress, got %v", err)
	}
}

func TestProcessAnswerAfterQuizDuration(t *testing.T) {
	f := newAttemptFixture(t)
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-timed"}
	f.start(t, key)

	f.clock.Advance(61 * time.Second)
	_, err := f.attempts.ProcessAnswer(context.Background(), key, "Q1", opt("A"))
	if !errors.Is(err, domain.ErrAttemptExpired) {
		t.Fatalf("expected expired attempt, got %v", err)
	}
}

func TestGroupDeadlineClosesAttempts(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	f.loader.SetGroupDeadline("quiz-b", "G1", f.clock.Now().Add(time.Minute))
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b", GroupID: "G1"}
	f.start(t, key)
	f.answer(t, key, "Q1", opt("A"))

	f.clock.Advance(2 * time.Minute)
	if _, err := f.attempts.ProcessAnswer(ctx, key, "Q2", opt("B")); !errors.Is(err, domain.ErrAttemptExpired) {
		t.Fatalf("expected group deadline to apply, got %v", err)
	}
	late := domain.AttemptKey{StudentID: "s2", QuizID: "quiz-b", GroupID: "G1"}
	if _, err := f.attempts.StartAttempt(ctx, late); !errors.Is(err, domain.ErrAttemptExpired) {
		t.Fatalf("expected late start refused, got %v", err)
	}
	// Finishing after the deadline still records what was answered.
	result, err := f.attempts.FinishAttempt(ctx, key, time.Time{})
	if err != nil || result.CorrectCount != 1 {
		t.Fatalf("expected finish after deadline, got %+v %v", result, err)
	}
}

func TestFinishAttemptTwice(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	f.start(t, key)

	if _, err := f.attempts.FinishAttempt(ctx, key, time.Time{}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := f.attempts.FinishAttempt(ctx, key, time.Time{}); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected second finish to find nothing, got %v", err)
	}
	if n := f.results.AttemptCount(); n != 1 {
		t.Fatalf("expected one stored result, got %d", n)
	}
}

func TestFinishAttemptRetryAfterPersistenceFailure(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	f.start(t, key)
	f.answer(t, key, "Q1", opt("A"))
	f.results.failures = 1

	_, err := f.attempts.FinishAttempt(ctx, key, time.Time{})
	if !domain.IsRetryable(err) || !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected retryable persistence error, got %v", err)
	}
	attempt, err := f.attempts.GetActiveAttempt(ctx, key)
	if err != nil || attempt.CorrectCount != 1 {
		t.Fatalf("expected ephemeral attempt kept, got %+v %v", attempt, err)
	}

	result, err := f.attempts.FinishAttempt(ctx, key, time.Time{})
	if err != nil {
		t.Fatalf("retry finish: %v", err)
	}
	if result.CorrectCount != 1 || f.results.AttemptCount() != 1 {
		t.Fatalf("unexpected retry outcome %+v", result)
	}
}

func TestFinishAttemptCountsEveryQuestion(t *testing.T) {
	f := newAttemptFixture(t)
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	f.start(t, key)
	f.answer(t, key, "Q1", opt("B"))
	f.answer(t, key, "Q2", opt("B"))
	f.answer(t, key, "Q3", nil)

	result, err := f.attempts.FinishAttempt(context.Background(), key, time.Time{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if result.CorrectCount+result.WrongCount != result.TotalQuestion {
		t.Fatalf("expected every question counted, got %+v", result)
	}
	if result.ScoreEarned != 1 || result.MaxScore != 3 {
		t.Fatalf("unexpected score %d/%d", result.ScoreEarned, result.MaxScore)
	}
}

func TestGetResultReturnsLatest(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}

	if _, err := f.attempts.GetResult(ctx, key); !errors.Is(err, domain.ErrResultNotFound) {
		t.Fatalf("expected no result yet, got %v", err)
	}

	f.start(t, key)
	first, err := f.attempts.FinishAttempt(ctx, key, time.Time{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	f.clock.Advance(time.Hour)
	f.start(t, key)
	f.answer(t, key, "Q1", opt("A"))
	second, err := f.attempts.FinishAttempt(ctx, key, time.Time{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("separate attempts must get separate IDs")
	}

	latest, err := f.attempts.GetResult(ctx, key)
	if err != nil || latest.ID != second.ID || latest.CorrectCount != 1 {
		t.Fatalf("expected latest result, got %+v %v", latest, err)
	}
}

func TestProcessAnswerAfterConcurrentFinishIsRefused(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b", GroupID: "g1"}
	f.start(t, key)
	f.answer(t, key, "Q1", opt("A"))

	racing := &interleavedStore{
		SessionStore: f.store,
		match:        func(c app.Claim) bool { return c.Field == "Q2" },
		before: func() {
			if _, err := f.attempts.FinishAttempt(ctx, key, time.Time{}); err != nil {
				t.Errorf("finish: %v", err)
			}
		},
	}
	attempts := app.NewAttemptService(racing, f.loader, f.results, zap.NewNop(), app.AttemptConfig{}).WithClock(f.clock.Now)

	if _, err := attempts.ProcessAnswer(ctx, key, "Q2", opt("B")); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected the answer to lose against finish, got %v", err)
	}
	result, err := f.attempts.GetResult(ctx, key)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.CorrectCount != 1 || result.ScoreEarned != 1 {
		t.Fatalf("result must hold only the committed answer, got %+v", result)
	}
	if keys := f.store.Dump("attempt:"); len(keys) != 0 {
		t.Fatalf("expected no attempt keys recreated, left %v", keys)
	}
}

func TestStartAttemptStoreFailureLeavesNothing(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	key := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	flaky := &flakyStore{SessionStore: f.store}
	attempts := app.NewAttemptService(flaky, f.loader, f.results, zap.NewNop(), app.AttemptConfig{}).WithClock(f.clock.Now)

	flaky.setDown(true)
	if _, err := attempts.StartAttempt(ctx, key); !domain.IsRetryable(err) {
		t.Fatalf("expected retryable store failure, got %v", err)
	}
	if keys := f.store.Dump("attempt:"); len(keys) != 0 {
		t.Fatalf("failed start left %v", keys)
	}

	flaky.setDown(false)
	if _, err := attempts.StartAttempt(ctx, key); err != nil {
		t.Fatalf("expected retry to start the attempt, got %v", err)
	}
	if _, err := attempts.GetActiveAttempt(ctx, key); err != nil {
		t.Fatalf("expected an active attempt, got %v", err)
	}
}

func TestAttemptKeysRejectUnsafeIDs(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	nested := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b"}
	f.start(t, nested)

	for name, key := range map[string]domain.AttemptKey{
		"student separator": {StudentID: "s1:quiz-b", QuizID: "quiz-b"},
		"quiz separator":    {StudentID: "s1", QuizID: "quiz-b:"},
		"group separator":   {StudentID: "s1", QuizID: "quiz-b", GroupID: "g:1"},
		"glob":              {StudentID: "s*", QuizID: "quiz-b"},
		"empty student":     {QuizID: "quiz-b"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := f.attempts.StartAttempt(ctx, key); !errors.Is(err, domain.ErrInvalidID) {
				t.Fatalf("start: expected invalid id, got %v", err)
			}
			if _, err := f.attempts.FinishAttempt(ctx, key, time.Time{}); !errors.Is(err, domain.ErrInvalidID) {
				t.Fatalf("finish: expected invalid id, got %v", err)
			}
		})
	}

	// A grouped attempt never shares a prefix with an ungrouped one.
	grouped := domain.AttemptKey{StudentID: "s1", QuizID: "quiz-b", GroupID: "g1"}
	f.start(t, grouped)
	if _, err := f.attempts.FinishAttempt(ctx, nested, time.Time{}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := f.attempts.GetActiveAttempt(ctx, grouped); err != nil {
		t.Fatalf("grouped attempt must survive finishing the ungrouped one: %v", err)
	}
}
