package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-session-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuizLoader loads quiz JSONB and group schedules from Postgres.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM quizzes WHERE id=$1`, quizID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, domain.PersistenceError("load quiz", err)
	}
	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("unmarshal quiz: %w", err)
	}
	if quiz.ID == "" {
		quiz.ID = quizID
	}
	return quiz, nil
}

// GroupDeadline reads the closing time of a quiz assignment. A missing row or
// a NULL deadline both mean the group is unrestricted.
func (l *QuizLoader) GroupDeadline(ctx context.Context, quizID, groupID string) (time.Time, bool, error) {
	var deadline *time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT deadline FROM group_quizzes WHERE quiz_id=$1 AND group_id=$2`,
		quizID, groupID,
	).Scan(&deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, domain.PersistenceError("load group deadline", err)
	}
	if deadline == nil {
		return time.Time{}, false, nil
	}
	return *deadline, true, nil
}
