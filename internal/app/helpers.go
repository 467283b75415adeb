package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"quiz-session-service/internal/domain"
)

func atoi(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeWrongAnswer(record domain.WrongAnswerRecord) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode wrong answer: %w", err)
	}
	return string(data), nil
}

func loadWrongAnswers(ctx context.Context, store SessionStore, key string) ([]domain.WrongAnswerRecord, error) {
	raw, err := store.LRange(ctx, key)
	if err != nil {
		return nil, domain.StoreError("load wrong answers", err)
	}
	records := make([]domain.WrongAnswerRecord, 0, len(raw))
	for _, item := range raw {
		var record domain.WrongAnswerRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("decode wrong answer: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// persistenceError tags err as a persistence failure unless the repository already did.
func persistenceError(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return domain.PersistenceError(op, err)
}
