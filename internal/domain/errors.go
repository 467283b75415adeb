package domain

import (
	"errors"
	"fmt"
)

// Error categories. Specific errors below wrap exactly one of them so callers
// can branch with errors.Is on either the category or the concrete case.
var (
	ErrNotFound       = errors.New("not found")
	ErrExpired        = errors.New("expired")
	ErrConflict       = errors.New("conflict")
	ErrInvalidQuiz    = errors.New("invalid quiz")
	ErrInvalidID      = errors.New("invalid identifier")
	ErrTransientStore = errors.New("session store unavailable")
	ErrPersistence    = errors.New("persistence failed")
)

var (
	// ErrRoomNotFound is returned when a room code is unknown or the room was closed.
	ErrRoomNotFound = fmt.Errorf("room %w", ErrNotFound)
	// ErrParticipantNotFound is returned when a student acts before joining.
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = fmt.Errorf("quiz %w", ErrNotFound)
	// ErrQuestionNotFound indicates a submitted question ID is not part of the quiz.
	ErrQuestionNotFound = fmt.Errorf("question %w", ErrNotFound)
	// ErrAttemptNotFound is returned when no active offline attempt exists.
	ErrAttemptNotFound = fmt.Errorf("attempt %w", ErrNotFound)
	// ErrResultNotFound is returned when no finished attempt result is stored.
	ErrResultNotFound = fmt.Errorf("result %w", ErrNotFound)

	// ErrRoomExpired is returned for submissions after the room deadline.
	ErrRoomExpired = fmt.Errorf("room deadline %w", ErrExpired)
	// ErrRoomClosed is returned for submissions while the room is being finalized.
	ErrRoomClosed = fmt.Errorf("room closed: %w", ErrExpired)
	// ErrAttemptExpired is returned for answers past the quiz duration or group deadline.
	ErrAttemptExpired = fmt.Errorf("attempt %w", ErrExpired)
	// ErrAttemptClosed is returned for answers while the attempt is being finished.
	ErrAttemptClosed = fmt.Errorf("attempt closed: %w", ErrExpired)

	// ErrAttemptExists is returned when an attempt is already active for the tuple.
	ErrAttemptExists = fmt.Errorf("attempt already active: %w", ErrConflict)
	// ErrAnswerLimit is returned when every question of the quiz has been answered.
	ErrAnswerLimit = fmt.Errorf("all questions answered: %w", ErrConflict)

	// ErrFinalizeInProgress is returned when another finalizer held the room for too long.
	ErrFinalizeInProgress = fmt.Errorf("finalize in progress: %w", ErrTransientStore)
	// ErrFinishInProgress is returned when the attempt is already being finished.
	ErrFinishInProgress = fmt.Errorf("finish in progress: %w", ErrTransientStore)
)

// maxIDLength bounds identifiers that become segments of session keys.
const maxIDLength = 128

// ValidateID rejects identifiers that cannot be used as a key segment: empty
// values, the key separator, glob metacharacters and control characters.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is empty: %w", kind, ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s longer than %d bytes: %w", kind, maxIDLength, ErrInvalidID)
	}
	for _, r := range id {
		switch {
		case r == ':', r == '*', r == '?', r == '[', r == ']', r == '\\':
			return fmt.Errorf("%s %q contains %q: %w", kind, id, r, ErrInvalidID)
		case r < ' ', r == 0x7f:
			return fmt.Errorf("%s %q contains a control character: %w", kind, id, ErrInvalidID)
		}
	}
	return nil
}

// IsRetryable reports whether err is a transient store or persistence failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, ErrPersistence)
}

// StoreError wraps a session store failure so that it carries ErrTransientStore.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// PersistenceError wraps a durable write failure so that it carries ErrPersistence.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
