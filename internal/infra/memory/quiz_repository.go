package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// AnswerKeyCache is an in-process correctness resolver: it caches each quiz's
// answer key with a TTL and loads it lazily from the durable loader.
type AnswerKeyCache struct {
	loader app.QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedKeys
}

type cachedKeys struct {
	keys      map[string]domain.AnswerKey
	expiresAt time.Time
}

func NewAnswerKeyCache(loader app.QuizLoader, ttl time.Duration) *AnswerKeyCache {
	return &AnswerKeyCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedKeys),
	}
}

func (c *AnswerKeyCache) AnswerKey(ctx context.Context, quizID, questionID string) (domain.AnswerKey, error) {
	keys, err := c.quizKeys(ctx, quizID)
	if err != nil {
		return domain.AnswerKey{}, err
	}
	key, ok := keys[questionID]
	if !ok {
		return domain.AnswerKey{}, domain.ErrQuestionNotFound
	}
	return key, nil
}

func (c *AnswerKeyCache) quizKeys(ctx context.Context, quizID string) (map[string]domain.AnswerKey, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[quizID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.keys, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[quizID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.keys, nil
		}
		c.mu.RUnlock()

		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return nil, err
		}
		keys := quiz.AnswerKeys()

		c.mu.Lock()
		c.cache[quizID] = cachedKeys{
			keys:      keys,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]domain.AnswerKey), nil
}

func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticQuizLoader is a simple quiz source backed by in-memory maps (useful for tests/demos).
type StaticQuizLoader struct {
	mu        sync.RWMutex
	quizzes   map[string]domain.Quiz
	deadlines map[string]time.Time
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes, deadlines: make(map[string]time.Time)}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

// SetGroupDeadline closes the quiz for a group at deadline.
func (l *StaticQuizLoader) SetGroupDeadline(quizID, groupID string, deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadlines[quizID+"/"+groupID] = deadline
}

func (l *StaticQuizLoader) GroupDeadline(_ context.Context, quizID, groupID string) (time.Time, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	deadline, ok := l.deadlines[quizID+"/"+groupID]
	return deadline, ok, nil
}
