package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"quiz-session-service/internal/domain"
)

// ErrKeyMissing is returned by SessionStore reads of keys that do not exist.
var ErrKeyMissing = errors.New("session key missing")

// ErrNotDelivered is wrapped by broadcasters that do not hold the recipient.
// Another broadcaster, e.g. a cross-instance relay, may still reach it.
var ErrNotDelivered = errors.New("recipient not held by this broadcaster")

// MutationOp names one atomic write primitive of the session store.
type MutationOp string

const (
	OpHashIncr   MutationOp = "hincrby"
	OpHashSet    MutationOp = "hset"
	OpSortedIncr MutationOp = "zincrby"
	OpListPush   MutationOp = "rpush"
	OpExpire     MutationOp = "pexpire"
	OpSet        MutationOp = "set"
)

// Mutation is a single write applied by SessionStore.Apply or ClaimAndApply.
// Field is the hash field or sorted-set member, Value the hash value, list
// element or string value, Delta the increment (milliseconds for OpExpire,
// the TTL in milliseconds for OpSet, 0 = no expiry).
type Mutation struct {
	Op    MutationOp
	Key   string
	Field string
	Value string
	Delta int64
}

// Claim is an insert-if-absent of Field into the hash at Key. When Limit is
// positive the claim is refused once the hash already holds Limit fields.
// Guards are evaluated first, in order, inside the same atomic step. An empty
// Key skips the claim so only the guards decide whether mutations apply.
type Claim struct {
	Key    string
	Field  string
	Value  string
	Limit  int
	Guards []Guard
}

// GuardKind selects the precondition a Guard checks.
type GuardKind string

const (
	// GuardExists requires Key to exist.
	GuardExists GuardKind = "exists"
	// GuardAbsent requires Key not to exist.
	GuardAbsent GuardKind = "absent"
	// GuardNotEqual requires the string at Key to differ from Value.
	GuardNotEqual GuardKind = "ne"
)

// Guard is a precondition of ClaimAndApply.
type Guard struct {
	Kind  GuardKind
	Key   string
	Value string
}

// ClaimOutcome reports what ClaimAndApply did.
type ClaimOutcome int

const (
	// Claimed means the field was new and every mutation was applied.
	Claimed ClaimOutcome = iota
	// ClaimDuplicate means the field already existed; nothing was written.
	ClaimDuplicate
	// ClaimLimitReached means the hash was full; nothing was written.
	ClaimLimitReached
	// ClaimGuardFailed means a guard did not hold; nothing was written and
	// the previous value is the index of the failing guard.
	ClaimGuardFailed
)

// GuardIndex decodes the failing guard index reported with ClaimGuardFailed.
func GuardIndex(previous string) int {
	n, err := strconv.Atoi(previous)
	if err != nil {
		return -1
	}
	return n
}

// ScoredMember is one sorted-set element.
type ScoredMember struct {
	Member string
	Score  float64
}

// SessionStore abstracts the shared ephemeral key/value store. Every method
// is a single atomic operation against the store.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ZRevRangeWithScores(ctx context.Context, key string) ([]ScoredMember, error)
	LRange(ctx context.Context, key string) ([]string, error)
	// Apply runs every mutation in one transaction.
	Apply(ctx context.Context, mutations ...Mutation) error
	// ClaimAndApply checks claim.Guards, inserts claim.Field and, in the same
	// atomic step, applies mutations. On ClaimDuplicate the previously stored
	// value is returned. Unless the outcome is Claimed nothing is written,
	// and a failing mutation leaves the store untouched.
	ClaimAndApply(ctx context.Context, claim Claim, mutations ...Mutation) (ClaimOutcome, string, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// QuizLoader fetches quiz content from durable storage.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizSource is the durable quiz store including group scheduling metadata.
type QuizSource interface {
	QuizLoader
	// GroupDeadline returns when the group's access to the quiz closes.
	// ok is false when the group has no deadline.
	GroupDeadline(ctx context.Context, quizID, groupID string) (deadline time.Time, ok bool, err error)
}

// AnswerKeyResolver resolves correctness data, typically through a cache.
type AnswerKeyResolver interface {
	AnswerKey(ctx context.Context, quizID, questionID string) (domain.AnswerKey, error)
}

// ReportRepository persists finalized rooms and finished attempts.
type ReportRepository interface {
	// UpsertRoomReport writes the room report and its participant rows; replays overwrite.
	UpsertRoomReport(ctx context.Context, report domain.RoomReport, results []domain.ParticipantResult) error
	// SaveAttemptResult upserts an attempt result by ID together with its wrong answers.
	SaveAttemptResult(ctx context.Context, result domain.AttemptResult) error
	LatestAttemptResult(ctx context.Context, key domain.AttemptKey) (domain.AttemptResult, error)
}

// Broadcaster pushes events to connected clients without waiting for delivery.
type Broadcaster interface {
	SendToConnection(ctx context.Context, connectionID string, event domain.Event) error
	SendToRoom(ctx context.Context, roomCode string, event domain.Event) error
}

// IsCorrect reports whether optionID matches the answer key.
func IsCorrect(key domain.AnswerKey, optionID string) bool {
	return optionID != "" && key.CorrectOptionID == optionID
}
