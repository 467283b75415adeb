package app

import (
	"time"

	"quiz-session-service/internal/domain"
)

// Room key layout. Everything a room owns lives under roomPrefix so finalize
// can drop it with one prefix delete; the closed tombstone lives outside it.
//
//	room:{code}:meta                         JSON domain.Room
//	room:{code}:status                       domain.RoomStatus
//	room:{code}:finalizing                   finalize exclusivity marker
//	room:{code}:roster                       hash student -> display name
//	room:{code}:joins                        list of student IDs in join order
//	room:{code}:leaderboard                  sorted set student -> score
//	room:{code}:participant:{id}             hash of participant counters
//	room:{code}:participant:{id}:answers     hash question -> selected option
//	room:{code}:participant:{id}:wrong       list of JSON WrongAnswerRecord
//	closed:room:{code}                       tombstone written by finalize
func roomPrefix(code string) string { return "room:" + code + ":" }

func roomMetaKey(code string) string        { return roomPrefix(code) + "meta" }
func roomStatusKey(code string) string      { return roomPrefix(code) + "status" }
func roomLockKey(code string) string        { return roomPrefix(code) + "finalizing" }
func roomRosterKey(code string) string      { return roomPrefix(code) + "roster" }
func roomJoinsKey(code string) string       { return roomPrefix(code) + "joins" }
func roomLeaderboardKey(code string) string { return roomPrefix(code) + "leaderboard" }
func roomClosedKey(code string) string      { return "closed:room:" + code }

func participantKey(code, studentID string) string {
	return roomPrefix(code) + "participant:" + studentID
}

func participantAnswersKey(code, studentID string) string {
	return participantKey(code, studentID) + ":answers"
}

func participantWrongKey(code, studentID string) string {
	return participantKey(code, studentID) + ":wrong"
}

// Attempt key layout, one namespace per (student, quiz, group). An attempt
// without a group has an empty group segment.
//
//	attempt:{student}:{quiz}:{group}:meta       JSON attemptMeta
//	attempt:{student}:{quiz}:{group}:counters   hash correct/wrong/score
//	attempt:{student}:{quiz}:{group}:answers    hash question -> selected option ("" = skipped)
//	attempt:{student}:{quiz}:{group}:wrong      list of JSON WrongAnswerRecord
//	attempt:{student}:{quiz}:{group}:finishing  finish exclusivity marker
func attemptPrefix(key domain.AttemptKey) string {
	return "attempt:" + key.StudentID + ":" + key.QuizID + ":" + key.GroupID + ":"
}

func attemptMetaKey(key domain.AttemptKey) string     { return attemptPrefix(key) + "meta" }
func attemptCountersKey(key domain.AttemptKey) string { return attemptPrefix(key) + "counters" }
func attemptAnswersKey(key domain.AttemptKey) string  { return attemptPrefix(key) + "answers" }
func attemptWrongKey(key domain.AttemptKey) string    { return attemptPrefix(key) + "wrong" }
func attemptLockKey(key domain.AttemptKey) string     { return attemptPrefix(key) + "finishing" }

// Counter field names shared by participant and attempt hashes.
const (
	fieldName           = "name"
	fieldScore          = "score"
	fieldCorrect        = "correct"
	fieldWrong          = "wrong"
	fieldRank           = "rank"
	fieldTotalQuestions = "totalQuestions"
)

func expireMutation(key string, ttl time.Duration) Mutation {
	return Mutation{Op: OpExpire, Key: key, Delta: ttl.Milliseconds()}
}

// roomGuards gate every write to a live room. Indices below
// roomGuardFinalizing mean the room is gone; the rest mean it is finalizing.
func roomGuards(code string) []Guard {
	return []Guard{
		{Kind: GuardAbsent, Key: roomClosedKey(code)},
		{Kind: GuardExists, Key: roomMetaKey(code)},
		{Kind: GuardAbsent, Key: roomLockKey(code)},
		{Kind: GuardNotEqual, Key: roomStatusKey(code), Value: string(domain.RoomFinalizing)},
	}
}

const (
	roomGuardFinalizing = 2
	roomGuardCount      = 4
)

// participantGuards extends roomGuards with the participant hash.
func participantGuards(code, studentID string) []Guard {
	return append(roomGuards(code), Guard{Kind: GuardExists, Key: participantKey(code, studentID)})
}

// roomGuardError maps a failed guard of roomGuards or participantGuards.
func roomGuardError(index int) error {
	switch {
	case index < roomGuardFinalizing:
		return domain.ErrRoomNotFound
	case index < roomGuardCount:
		return domain.ErrRoomClosed
	default:
		return domain.ErrParticipantNotFound
	}
}

// activeAttemptGuards gate answers: the attempt exists and is not finishing.
func activeAttemptGuards(key domain.AttemptKey) []Guard {
	return []Guard{
		{Kind: GuardExists, Key: attemptMetaKey(key)},
		{Kind: GuardAbsent, Key: attemptLockKey(key)},
	}
}

func validateAttemptKey(key domain.AttemptKey) error {
	if err := domain.ValidateID("student ID", key.StudentID); err != nil {
		return err
	}
	if err := domain.ValidateID("quiz ID", key.QuizID); err != nil {
		return err
	}
	if key.GroupID != "" {
		return domain.ValidateID("group ID", key.GroupID)
	}
	return nil
}
