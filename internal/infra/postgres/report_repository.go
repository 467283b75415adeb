package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"quiz-session-service/internal/domain"
	"github.com/uptrace/bun"
)

type roomReportRow struct {
	bun.BaseModel `bun:"table:room_reports"`

	RoomCode         string    `bun:"room_code,pk"`
	QuizID           string    `bun:"quiz_id"`
	TeacherID        string    `bun:"teacher_id"`
	TotalQuestions   int       `bun:"total_questions"`
	ParticipantCount int       `bun:"participant_count"`
	HighestScore     int       `bun:"highest_score"`
	LowestScore      int       `bun:"lowest_score"`
	AverageScore     float64   `bun:"average_score"`
	StartDate        time.Time `bun:"start_date,nullzero"`
	FinalizedAt      time.Time `bun:"finalized_at"`
}

type roomResultRow struct {
	bun.BaseModel `bun:"table:room_results"`

	RoomCode       string                     `bun:"room_code,pk"`
	StudentID      string                     `bun:"student_id,pk"`
	StudentName    string                     `bun:"student_name"`
	Score          int                        `bun:"score"`
	CorrectCount   int                        `bun:"correct_count"`
	WrongCount     int                        `bun:"wrong_count"`
	Rank           int                        `bun:"rank"`
	TotalQuestions int                        `bun:"total_questions"`
	WrongAnswers   []domain.WrongAnswerRecord `bun:"wrong_answers,type:jsonb"`
}

type attemptResultRow struct {
	bun.BaseModel `bun:"table:attempt_results"`

	ID            string    `bun:"id,pk"`
	StudentID     string    `bun:"student_id"`
	QuizID        string    `bun:"quiz_id"`
	GroupID       string    `bun:"group_id"`
	CorrectCount  int       `bun:"correct_count"`
	WrongCount    int       `bun:"wrong_count"`
	TotalQuestion int       `bun:"total_question"`
	ScoreEarned   int       `bun:"score_earned"`
	MaxScore      int       `bun:"max_score"`
	StartTime     time.Time `bun:"start_time"`
	EndTime       time.Time `bun:"end_time"`
	DurationMS    int64     `bun:"duration_ms"`
}

type attemptWrongAnswerRow struct {
	bun.BaseModel `bun:"table:attempt_wrong_answers"`

	AttemptID        string  `bun:"attempt_id,pk"`
	Position         int     `bun:"position,pk"`
	QuestionID       string  `bun:"question_id"`
	SelectedOptionID *string `bun:"selected_option_id"`
	CorrectOptionID  string  `bun:"correct_option_id"`
}

// ReportRepository persists finalized rooms and finished attempts with bun.
// Every write is an upsert so retried finalize/finish calls converge.
type ReportRepository struct {
	db *bun.DB
}

func NewReportRepository(db *bun.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) UpsertRoomReport(ctx context.Context, report domain.RoomReport, results []domain.ParticipantResult) error {
	row := roomReportRow{
		RoomCode:         report.RoomCode,
		QuizID:           report.QuizID,
		TeacherID:        report.TeacherID,
		TotalQuestions:   report.TotalQuestions,
		ParticipantCount: report.ParticipantCount,
		HighestScore:     report.HighestScore,
		LowestScore:      report.LowestScore,
		AverageScore:     report.AverageScore,
		StartDate:        report.StartDate,
		FinalizedAt:      report.FinalizedAt,
	}
	rows := make([]roomResultRow, 0, len(results))
	for _, res := range results {
		wrong := res.WrongAnswers
		if wrong == nil {
			wrong = []domain.WrongAnswerRecord{}
		}
		rows = append(rows, roomResultRow{
			RoomCode:       report.RoomCode,
			StudentID:      res.StudentID,
			StudentName:    res.StudentName,
			Score:          res.Score,
			CorrectCount:   res.CorrectCount,
			WrongCount:     res.WrongCount,
			Rank:           res.Rank,
			TotalQuestions: res.TotalQuestions,
			WrongAnswers:   wrong,
		})
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&row).
			On("CONFLICT (room_code) DO UPDATE").
			Set("quiz_id = EXCLUDED.quiz_id").
			Set("teacher_id = EXCLUDED.teacher_id").
			Set("total_questions = EXCLUDED.total_questions").
			Set("participant_count = EXCLUDED.participant_count").
			Set("highest_score = EXCLUDED.highest_score").
			Set("lowest_score = EXCLUDED.lowest_score").
			Set("average_score = EXCLUDED.average_score").
			Set("start_date = EXCLUDED.start_date").
			Set("finalized_at = EXCLUDED.finalized_at").
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*roomResultRow)(nil)).
			Where("room_code = ?", report.RoomCode).
			Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return domain.PersistenceError("upsert room report", err)
	}
	return nil
}

func (r *ReportRepository) SaveAttemptResult(ctx context.Context, result domain.AttemptResult) error {
	row := attemptResultRow{
		ID:            result.ID,
		StudentID:     result.StudentID,
		QuizID:        result.QuizID,
		GroupID:       result.GroupID,
		CorrectCount:  result.CorrectCount,
		WrongCount:    result.WrongCount,
		TotalQuestion: result.TotalQuestion,
		ScoreEarned:   result.ScoreEarned,
		MaxScore:      result.MaxScore,
		StartTime:     result.StartTime,
		EndTime:       result.EndTime,
		DurationMS:    result.Duration.Milliseconds(),
	}
	wrong := make([]attemptWrongAnswerRow, 0, len(result.WrongAnswers))
	for i, rec := range result.WrongAnswers {
		wrong = append(wrong, attemptWrongAnswerRow{
			AttemptID:        result.ID,
			Position:         i,
			QuestionID:       rec.QuestionID,
			SelectedOptionID: rec.SelectedOptionID,
			CorrectOptionID:  rec.CorrectOptionID,
		})
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&row).
			On("CONFLICT (id) DO UPDATE").
			Set("correct_count = EXCLUDED.correct_count").
			Set("wrong_count = EXCLUDED.wrong_count").
			Set("total_question = EXCLUDED.total_question").
			Set("score_earned = EXCLUDED.score_earned").
			Set("max_score = EXCLUDED.max_score").
			Set("end_time = EXCLUDED.end_time").
			Set("duration_ms = EXCLUDED.duration_ms").
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*attemptWrongAnswerRow)(nil)).
			Where("attempt_id = ?", result.ID).
			Exec(ctx); err != nil {
			return err
		}
		if len(wrong) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&wrong).Exec(ctx)
		return err
	})
	if err != nil {
		return domain.PersistenceError("save attempt result", err)
	}
	return nil
}

func (r *ReportRepository) LatestAttemptResult(ctx context.Context, key domain.AttemptKey) (domain.AttemptResult, error) {
	var row attemptResultRow
	err := r.db.NewSelect().Model(&row).
		Where("student_id = ?", key.StudentID).
		Where("quiz_id = ?", key.QuizID).
		Where("group_id = ?", key.GroupID).
		OrderExpr("end_time DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AttemptResult{}, domain.ErrResultNotFound
	}
	if err != nil {
		return domain.AttemptResult{}, domain.PersistenceError("load attempt result", err)
	}

	var wrong []attemptWrongAnswerRow
	if err := r.db.NewSelect().Model(&wrong).
		Where("attempt_id = ?", row.ID).
		OrderExpr("position ASC").
		Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.AttemptResult{}, domain.PersistenceError("load attempt wrong answers", err)
	}

	result := domain.AttemptResult{
		ID:            row.ID,
		AttemptKey:    domain.AttemptKey{StudentID: row.StudentID, QuizID: row.QuizID, GroupID: row.GroupID},
		CorrectCount:  row.CorrectCount,
		WrongCount:    row.WrongCount,
		TotalQuestion: row.TotalQuestion,
		ScoreEarned:   row.ScoreEarned,
		MaxScore:      row.MaxScore,
		StartTime:     row.StartTime,
		EndTime:       row.EndTime,
		Duration:      time.Duration(row.DurationMS) * time.Millisecond,
		WrongAnswers:  make([]domain.WrongAnswerRecord, 0, len(wrong)),
	}
	for _, w := range wrong {
		result.WrongAnswers = append(result.WrongAnswers, domain.WrongAnswerRecord{
			QuestionID:       w.QuestionID,
			SelectedOptionID: w.SelectedOptionID,
			CorrectOptionID:  w.CorrectOptionID,
		})
	}
	return result, nil
}
