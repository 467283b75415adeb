package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAnswerKeyCacheCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	cache := NewAnswerKeyCache(client, loader, time.Minute)

	key, err := cache.AnswerKey(context.Background(), "quiz-1", "q1")
	if err != nil {
		t.Fatalf("answer key: %v", err)
	}
	if key.CorrectOptionID != "o2" || key.Points != 1 {
		t.Fatalf("unexpected answer key %+v", key)
	}
	if loader.Calls() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.Calls())
	}
	if got := mr.HGet("quiz:quiz-1:answers", "q2"); got != "o3" {
		t.Fatalf("expected whole quiz cached, q2=%q", got)
	}

	// Second call should hit cache, loader not incremented.
	key, _ = cache.AnswerKey(context.Background(), "quiz-1", "q2")
	if loader.Calls() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.Calls())
	}
	if key.Points != 3 {
		t.Fatalf("expected cached points 3, got %d", key.Points)
	}
}

func TestAnswerKeyCacheUnknownQuestion(t *testing.T) {
	mr := miniredis.RunT(t)
	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
	}
	cache := NewAnswerKeyCache(newClient(mr), loader, time.Minute)
	ctx := context.Background()

	if _, err := cache.AnswerKey(ctx, "quiz-1", "missing"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found on load, got %v", err)
	}
	if _, err := cache.AnswerKey(ctx, "quiz-1", "missing"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found from cache, got %v", err)
	}
	if loader.Calls() != 1 {
		t.Fatalf("expected cached miss to skip loader, calls=%d", loader.Calls())
	}
	if _, err := cache.AnswerKey(ctx, "other", "q1"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
	if !errors.Is(domain.ErrQuizNotFound, domain.ErrNotFound) {
		t.Fatalf("quiz not found should be in the not found category")
	}
}

func TestAnswerKeyCacheExpiresAndInvalidates(t *testing.T) {
	mr := miniredis.RunT(t)
	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
	}
	cache := NewAnswerKeyCache(newClient(mr), loader, time.Minute)
	ctx := context.Background()

	if _, err := cache.AnswerKey(ctx, "quiz-1", "q1"); err != nil {
		t.Fatalf("answer key: %v", err)
	}
	if ttl := mr.TTL("quiz:quiz-1:answers"); ttl < time.Minute || ttl > 66*time.Second {
		t.Fatalf("expected ttl with jitter, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := cache.AnswerKey(ctx, "quiz-1", "q1"); err != nil {
		t.Fatalf("answer key after expiry: %v", err)
	}
	if loader.Calls() != 2 {
		t.Fatalf("expected reload after expiry, calls=%d", loader.Calls())
	}

	if err := cache.Invalidate(ctx, "quiz-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists("quiz:quiz-1:answers") || mr.Exists("quiz:quiz-1:points") {
		t.Fatalf("expected cache keys removed")
	}
}

func TestAnswerKeyCacheCollapsesConcurrentMisses(t *testing.T) {
	mr := miniredis.RunT(t)
	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
		delay:      50 * time.Millisecond,
	}
	cache := NewAnswerKeyCache(newClient(mr), loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.AnswerKey(context.Background(), "quiz-1", "q1"); err != nil {
				t.Errorf("answer key: %v", err)
			}
		}()
	}
	wg.Wait()
	if loader.Calls() != 1 {
		t.Fatalf("expected a single load, got %d", loader.Calls())
	}
}

type countingLoader struct {
	app.QuizLoader
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func (l *countingLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3", Correct: false},
					{ID: "o2", Text: "4", Correct: true},
				},
				Points: 1,
			},
			{
				ID:     "q2",
				Prompt: "Capital of France?",
				Options: []domain.Option{
					{ID: "o3", Text: "Paris", Correct: true},
					{ID: "o4", Text: "Rome", Correct: false},
				},
				Points: 3,
			},
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
