package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"quiz-session-service/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FinalizeRoom persists the room report and participant results, then deletes
// the room's ephemeral keys. Only the holder of the finalizing marker gets
// past persistence; concurrent callers wait for it and succeed once the room
// is closed. A persistence failure leaves ephemeral state intact for retry.
func (s *RoomService) FinalizeRoom(ctx context.Context, roomCode string) error {
	if domain.ValidateID("room code", roomCode) != nil {
		return domain.ErrRoomNotFound
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalizeWait)
	defer cancel()

	for {
		done, err := s.tryFinalize(ctx, roomCode)
		if err != nil || done {
			return err
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.ErrFinalizeInProgress
		case <-time.After(s.cfg.FinalizePoll):
		}
	}
}

// tryFinalize returns done=false when another finalizer holds the room.
func (s *RoomService) tryFinalize(ctx context.Context, roomCode string) (bool, error) {
	closed, err := s.store.Exists(ctx, roomClosedKey(roomCode))
	if err != nil {
		return false, domain.StoreError("finalize room", err)
	}
	if closed {
		return true, nil
	}

	lockKey := roomLockKey(roomCode)
	acquired, err := s.store.SetNX(ctx, lockKey, uuid.NewString(), s.cfg.FinalizeLockTTL)
	if err != nil {
		return false, domain.StoreError("finalize room", err)
	}
	if !acquired {
		return false, nil
	}

	report, err := s.finalizeLocked(ctx, roomCode)
	if err != nil {
		if delErr := s.store.Delete(ctx, lockKey); delErr != nil {
			s.log.Warn("release finalize marker failed", zap.String("room", roomCode), zap.Error(delErr))
		}
		if errors.Is(err, errRoomAlreadyClosed) {
			return true, nil
		}
		s.log.Error("finalize room failed", zap.String("room", roomCode), zap.Error(err))
		return false, err
	}

	s.log.Info("room finalized",
		zap.String("room", roomCode),
		zap.Int("participants", report.ParticipantCount),
		zap.Float64("averageScore", report.AverageScore))
	s.async.Go("room-finalized", func(ctx context.Context) error {
		return s.notify.SendToRoom(ctx, roomCode, domain.Event{Type: domain.EventRoomFinalized, Payload: report})
	})
	return true, nil
}

var errRoomAlreadyClosed = errors.New("room already closed")

func (s *RoomService) finalizeLocked(ctx context.Context, roomCode string) (domain.RoomReport, error) {
	// The previous holder may have closed the room between our checks.
	closed, err := s.store.Exists(ctx, roomClosedKey(roomCode))
	if err != nil {
		return domain.RoomReport{}, domain.StoreError("finalize room", err)
	}
	if closed {
		return domain.RoomReport{}, errRoomAlreadyClosed
	}

	room, _, err := s.loadRoom(ctx, roomCode)
	if err != nil {
		return domain.RoomReport{}, err
	}
	if err := s.store.Set(ctx, roomStatusKey(roomCode), string(domain.RoomFinalizing), s.remainingTTL(room)); err != nil {
		return domain.RoomReport{}, domain.StoreError("mark room finalizing", err)
	}

	results, err := s.collectResults(ctx, room)
	if err != nil {
		return domain.RoomReport{}, err
	}
	report := summarize(room, results)
	report.FinalizedAt = s.now()

	if err := s.reports.UpsertRoomReport(ctx, report, results); err != nil {
		return domain.RoomReport{}, persistenceError("upsert room report", err)
	}

	if err := s.store.Set(ctx, roomClosedKey(roomCode), string(domain.RoomClosed), s.cfg.ClosedTTL); err != nil {
		return domain.RoomReport{}, domain.StoreError("close room", err)
	}
	if _, err := s.store.DeletePrefix(ctx, roomPrefix(roomCode)); err != nil {
		// The report is durable and the tombstone answers retries; leftover
		// keys expire with their TTL.
		s.log.Warn("delete room keys failed", zap.String("room", roomCode), zap.Error(err))
	}
	return report, nil
}

func (s *RoomService) collectResults(ctx context.Context, room domain.Room) ([]domain.ParticipantResult, error) {
	roster, err := s.store.HGetAll(ctx, roomRosterKey(room.Code))
	if err != nil {
		return nil, domain.StoreError("list participants", err)
	}
	ids := sortedKeys(roster)
	ranked, err := s.rankings(ctx, room.Code)
	if err != nil {
		return nil, err
	}
	ranks := make(map[string]int, len(ranked))
	for _, entry := range ranked {
		ranks[entry.StudentID] = entry.Rank
	}

	results := make([]domain.ParticipantResult, 0, len(ids))
	for _, id := range ids {
		p, err := s.loadParticipant(ctx, room.Code, id)
		if errors.Is(err, domain.ErrParticipantNotFound) {
			// Listed in the roster but its counters expired.
			continue
		}
		if err != nil {
			return nil, err
		}
		rank := ranks[id]
		if rank == 0 {
			rank = p.Rank
		}
		results = append(results, domain.ParticipantResult{
			RoomCode:       room.Code,
			StudentID:      p.StudentID,
			StudentName:    p.StudentName,
			Score:          p.Score,
			CorrectCount:   p.CorrectCount,
			WrongCount:     p.WrongCount,
			Rank:           rank,
			TotalQuestions: room.TotalQuestions,
			WrongAnswers:   p.WrongAnswers,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Rank < results[j].Rank })
	return results, nil
}

func summarize(room domain.Room, results []domain.ParticipantResult) domain.RoomReport {
	report := domain.RoomReport{
		RoomCode:         room.Code,
		QuizID:           room.QuizID,
		TeacherID:        room.TeacherID,
		TotalQuestions:   room.TotalQuestions,
		ParticipantCount: len(results),
		StartDate:        room.StartDate,
	}
	if len(results) == 0 {
		return report
	}
	total := 0
	report.HighestScore = results[0].Score
	report.LowestScore = results[0].Score
	for _, r := range results {
		total += r.Score
		if r.Score > report.HighestScore {
			report.HighestScore = r.Score
		}
		if r.Score < report.LowestScore {
			report.LowestScore = r.Score
		}
	}
	report.AverageScore = float64(total) / float64(len(results))
	return report
}
