package redis

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// AnswerKeyCache caches quiz answer keys in Redis and falls back to the durable loader on a miss.
// Answers are stored as: HSET quiz:{quizID}:answers {questionID} {optionID}
// Points are stored as:  HSET quiz:{quizID}:points  {questionID} {points}
type AnswerKeyCache struct {
	client *redis.Client
	loader app.QuizLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewAnswerKeyCache(client *redis.Client, loader app.QuizLoader, ttl time.Duration) *AnswerKeyCache {
	return &AnswerKeyCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *AnswerKeyCache) AnswerKey(ctx context.Context, quizID, questionID string) (domain.AnswerKey, error) {
	key, cached, err := c.lookup(ctx, quizID, questionID)
	if err == nil && cached {
		return key, nil
	}
	if errors.Is(err, domain.ErrQuestionNotFound) {
		return domain.AnswerKey{}, err
	}

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return nil, err
		}
		keys := quiz.AnswerKeys()
		c.fill(ctx, quizID, keys)
		return keys, nil
	})
	if err != nil {
		return domain.AnswerKey{}, err
	}
	keys := result.(map[string]domain.AnswerKey)
	found, ok := keys[questionID]
	if !ok {
		return domain.AnswerKey{}, domain.ErrQuestionNotFound
	}
	return found, nil
}

// lookup reads one question from the cache. cached is false on a miss; an
// existing hash without the field means the question is unknown.
func (c *AnswerKeyCache) lookup(ctx context.Context, quizID, questionID string) (domain.AnswerKey, bool, error) {
	pipe := c.client.Pipeline()
	answer := pipe.HGet(ctx, answersKey(quizID), questionID)
	points := pipe.HGet(ctx, pointsKey(quizID), questionID)
	exists := pipe.Exists(ctx, answersKey(quizID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.AnswerKey{}, false, err
	}

	optionID, err := answer.Result()
	if errors.Is(err, redis.Nil) {
		if exists.Val() > 0 {
			return domain.AnswerKey{}, false, domain.ErrQuestionNotFound
		}
		return domain.AnswerKey{}, false, nil
	}
	if err != nil {
		return domain.AnswerKey{}, false, err
	}

	value := 1
	if p, err := strconv.Atoi(points.Val()); err == nil && p > 0 {
		value = p
	}
	return domain.AnswerKey{
		QuizID:          quizID,
		QuestionID:      questionID,
		CorrectOptionID: optionID,
		Points:          value,
	}, true, nil
}

func (c *AnswerKeyCache) fill(ctx context.Context, quizID string, keys map[string]domain.AnswerKey) {
	if len(keys) == 0 {
		return
	}
	ttl := c.ttlWithJitter()
	pipe := c.client.Pipeline()
	for questionID, key := range keys {
		pipe.HSet(ctx, answersKey(quizID), questionID, key.CorrectOptionID)
		pipe.HSet(ctx, pointsKey(quizID), questionID, key.Points)
	}
	if ttl > 0 {
		pipe.Expire(ctx, answersKey(quizID), ttl)
		pipe.Expire(ctx, pointsKey(quizID), ttl)
	}
	// A failed fill only costs a reload on the next miss.
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops the cached answer key, e.g. after the quiz is edited.
func (c *AnswerKeyCache) Invalidate(ctx context.Context, quizID string) error {
	return c.client.Del(ctx, answersKey(quizID), pointsKey(quizID)).Err()
}

func answersKey(quizID string) string {
	return "quiz:" + quizID + ":answers"
}

func pointsKey(quizID string) string {
	return "quiz:" + quizID + ":points"
}

func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
