package app

import (
	"context"
	"math"
	"sort"
	"strconv"

	"quiz-session-service/internal/domain"
	"go.uber.org/zap"
)

// UpdateLeaderboard recomputes ranks from the room's sorted set, writes them
// back to the participants and pushes the ordering to the teacher.
// An empty room yields an empty leaderboard and no push.
func (s *RoomService) UpdateLeaderboard(ctx context.Context, roomCode string) (domain.Leaderboard, error) {
	room, _, err := s.loadRoom(ctx, roomCode)
	if err != nil {
		return domain.Leaderboard{}, err
	}

	entries, err := s.rankings(ctx, roomCode)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	lb := domain.Leaderboard{RoomCode: roomCode, Entries: entries, UpdatedAt: s.now()}
	if len(entries) == 0 {
		return lb, nil
	}

	ttl := s.remainingTTL(room)
	mutations := make([]Mutation, 0, 2*len(entries))
	for _, entry := range entries {
		pKey := participantKey(roomCode, entry.StudentID)
		mutations = append(mutations,
			Mutation{Op: OpHashSet, Key: pKey, Field: fieldRank, Value: strconv.Itoa(entry.Rank)},
			expireMutation(pKey, ttl),
		)
	}
	outcome, previous, err := s.store.ClaimAndApply(ctx, Claim{Guards: roomGuards(roomCode)}, mutations...)
	if err != nil {
		return domain.Leaderboard{}, domain.StoreError("write ranks", err)
	}
	// While finalizing, ranks are settled by the finalizer.
	if outcome == ClaimGuardFailed && GuardIndex(previous) < roomGuardFinalizing {
		return domain.Leaderboard{}, domain.ErrRoomNotFound
	}

	if room.TeacherConnectionID != "" {
		event := domain.Event{Type: domain.EventLeaderboard, Payload: lb}
		if err := s.notify.SendToConnection(ctx, room.TeacherConnectionID, event); err != nil {
			s.log.Warn("leaderboard push failed", zap.String("room", roomCode), zap.Error(err))
		}
	}
	return lb, nil
}

// rankings orders participants by score descending, breaking ties by join order.
func (s *RoomService) rankings(ctx context.Context, roomCode string) ([]domain.LeaderboardEntry, error) {
	members, err := s.store.ZRevRangeWithScores(ctx, roomLeaderboardKey(roomCode))
	if err != nil {
		return nil, domain.StoreError("read leaderboard", err)
	}
	if len(members) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}
	names, err := s.store.HGetAll(ctx, roomRosterKey(roomCode))
	if err != nil {
		return nil, domain.StoreError("read roster", err)
	}
	joins, err := s.store.LRange(ctx, roomJoinsKey(roomCode))
	if err != nil {
		return nil, domain.StoreError("read join order", err)
	}
	order := make(map[string]int, len(joins))
	for i, id := range joins {
		if _, ok := order[id]; !ok {
			order[id] = i
		}
	}

	joinOrder := func(studentID string) int {
		if seq, ok := order[studentID]; ok {
			return seq
		}
		return math.MaxInt
	}

	entries := make([]domain.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, domain.LeaderboardEntry{
			StudentID:   m.Member,
			StudentName: names[m.Member],
			Score:       int(m.Score),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return joinOrder(entries[i].StudentID) < joinOrder(entries[j].StudentID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
