package app_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

func TestUpdateLeaderboardRanksByScoreThenJoinOrder(t *testing.T) {
	f := newRoomFixture(t, app.RoomConfig{})
	ctx := context.Background()
	room := f.openRoom(t, "s1", "s2", "s3")

	f.answer(t, room.Code, "s3", "Q1", "A")
	f.answer(t, room.Code, "s2", "Q1", "A")
	f.rooms.Wait()

	lb, err := f.rooms.UpdateLeaderboard(ctx, room.Code)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	want := []domain.LeaderboardEntry{
		{Rank: 1, StudentID: "s2", StudentName: "name-s2", Score: 10},
		{Rank: 2, StudentID: "s3", StudentName: "name-s3", Score: 10},
		{Rank: 3, StudentID: "s1", StudentName: "name-s1", Score: 0},
	}
	if !reflect.DeepEqual(lb.Entries, want) {
		t.Fatalf("unexpected ranking\n got %+v\nwant %+v", lb.Entries, want)
	}
	if p := f.participant(t, room.Code, "s3"); p.Rank != 2 {
		t.Fatalf("expected rank written back, got %d", p.Rank)
	}

	again, err := f.rooms.UpdateLeaderboard(ctx, room.Code)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if !reflect.DeepEqual(again.Entries, lb.Entries) {
		t.Fatalf("recomputing without new answers changed the ranking")
	}
}

func TestUpdateLeaderboardPushesToTeacher(t *testing.T) {
	f := newRoomFixture(t, app.RoomConfig{})
	room := f.openRoom(t, "s1")

	f.answer(t, room.Code, "s1", "Q1", "A")
	f.rooms.Wait()

	events := f.notify.toConnection("conn-teacher")
	if len(events) == 0 {
		t.Fatalf("expected a leaderboard push after the answer")
	}
	last := events[len(events)-1]
	if last.Type != domain.EventLeaderboard {
		t.Fatalf("unexpected event type %q", last.Type)
	}
	lb, ok := last.Payload.(domain.Leaderboard)
	if !ok || len(lb.Entries) != 1 || lb.Entries[0].Score != 10 {
		t.Fatalf("unexpected payload %+v", last.Payload)
	}
}

func TestUpdateLeaderboardEmptyRoom(t *testing.T) {
	f := newRoomFixture(t, app.RoomConfig{})
	room := f.openRoom(t)

	lb, err := f.rooms.UpdateLeaderboard(context.Background(), room.Code)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 0 {
		t.Fatalf("expected empty leaderboard, got %+v", lb.Entries)
	}
	if len(f.notify.toConnection("conn-teacher")) != 0 {
		t.Fatalf("empty room must not push")
	}
}

func TestUpdateLeaderboardPushFailureIsNotAnError(t *testing.T) {
	f := newRoomFixture(t, app.RoomConfig{})
	room := f.openRoom(t, "s1")
	f.notify.mu.Lock()
	f.notify.fail = errors.New("connection gone")
	f.notify.mu.Unlock()

	v := f.answer(t, room.Code, "s1", "Q1", "A")
	if !v.Correct {
		t.Fatalf("expected answer to be scored despite the push failure")
	}
	f.rooms.Wait()
	if _, err := f.rooms.UpdateLeaderboard(context.Background(), room.Code); err != nil {
		t.Fatalf("push failure leaked into leaderboard: %v", err)
	}
}

func TestUpdateLeaderboardUnknownRoom(t *testing.T) {
	f := newRoomFixture(t, app.RoomConfig{})
	if _, err := f.rooms.UpdateLeaderboard(context.Background(), "NOPE00"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
