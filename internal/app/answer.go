package app

import (
	"context"

	"quiz-session-service/internal/domain"
	"go.uber.org/zap"
)

// AnswerRequest is one online answer submission.
type AnswerRequest struct {
	RoomCode   string
	StudentID  string
	QuizID     string
	QuestionID string
	OptionID   string
}

// CheckAnswer validates and scores one answer. The claim on the question and
// every counter change commit in a single atomic store operation, so a
// retransmitted answer is reported with its original verdict and changes nothing.
func (s *RoomService) CheckAnswer(ctx context.Context, req AnswerRequest) (domain.AnswerVerdict, error) {
	if err := domain.ValidateID("student ID", req.StudentID); err != nil {
		return domain.AnswerVerdict{}, err
	}
	room, status, err := s.loadRoom(ctx, req.RoomCode)
	if err != nil {
		return domain.AnswerVerdict{}, err
	}
	if status == domain.RoomFinalizing || status == domain.RoomClosed {
		return domain.AnswerVerdict{}, domain.ErrRoomClosed
	}
	if room.Expired(s.now()) {
		return domain.AnswerVerdict{}, domain.ErrRoomExpired
	}
	if req.QuizID != "" && req.QuizID != room.QuizID {
		return domain.AnswerVerdict{}, domain.ErrQuizNotFound
	}

	key, err := s.answers.AnswerKey(ctx, room.QuizID, req.QuestionID)
	if err != nil {
		return domain.AnswerVerdict{}, err
	}
	correct := IsCorrect(key, req.OptionID)

	pKey := participantKey(req.RoomCode, req.StudentID)
	answersKey := participantAnswersKey(req.RoomCode, req.StudentID)
	ttl := s.remainingTTL(room)
	var mutations []Mutation
	if correct {
		mutations = []Mutation{
			{Op: OpHashIncr, Key: pKey, Field: fieldScore, Delta: int64(key.Points)},
			{Op: OpHashIncr, Key: pKey, Field: fieldCorrect, Delta: 1},
			{Op: OpSortedIncr, Key: roomLeaderboardKey(req.RoomCode), Field: req.StudentID, Delta: int64(key.Points)},
		}
	} else {
		option := req.OptionID
		record, err := encodeWrongAnswer(domain.WrongAnswerRecord{
			QuestionID:       req.QuestionID,
			SelectedOptionID: &option,
			CorrectOptionID:  key.CorrectOptionID,
		})
		if err != nil {
			return domain.AnswerVerdict{}, err
		}
		wrongKey := participantWrongKey(req.RoomCode, req.StudentID)
		mutations = []Mutation{
			{Op: OpHashIncr, Key: pKey, Field: fieldWrong, Delta: 1},
			{Op: OpListPush, Key: wrongKey, Value: record},
			expireMutation(wrongKey, ttl),
		}
	}
	mutations = append(mutations, expireMutation(answersKey, ttl))

	// The guards make the claim fail once a finalize has started, so every
	// committed answer is part of the collected results.
	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{
		Key:    answersKey,
		Field:  req.QuestionID,
		Value:  req.OptionID,
		Limit:  room.TotalQuestions,
		Guards: participantGuards(req.RoomCode, req.StudentID),
	}, mutations...)
	if err != nil {
		return domain.AnswerVerdict{}, domain.StoreError("check answer", err)
	}

	switch outcome {
	case ClaimDuplicate:
		s.log.Debug("duplicate answer ignored",
			zap.String("room", req.RoomCode),
			zap.String("student", req.StudentID),
			zap.String("question", req.QuestionID))
		return domain.AnswerVerdict{
			QuestionID: req.QuestionID,
			Correct:    IsCorrect(key, previous),
			Duplicate:  true,
		}, nil
	case ClaimLimitReached:
		return domain.AnswerVerdict{}, domain.ErrAnswerLimit
	case ClaimGuardFailed:
		return domain.AnswerVerdict{}, roomGuardError(GuardIndex(previous))
	}

	verdict := domain.AnswerVerdict{QuestionID: req.QuestionID, Correct: correct}
	if correct {
		verdict.Awarded = key.Points
	}

	roomCode := req.RoomCode
	s.async.Go("leaderboard-refresh", func(ctx context.Context) error {
		_, err := s.UpdateLeaderboard(ctx, roomCode)
		return err
	})
	return verdict, nil
}
