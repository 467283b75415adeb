package memory

import (
	"context"
	"errors"
	"sync"

	"quiz-session-service/internal/domain"
)

// ReportRepository keeps durable rows in process memory, with the same upsert
// semantics as the Postgres repository.
type ReportRepository struct {
	mu       sync.RWMutex
	reports  map[string]domain.RoomReport
	results  map[string]map[string]domain.ParticipantResult
	attempts map[string]domain.AttemptResult
	order    []string
	upserts  int
	// FailUpserts makes UpsertRoomReport fail while positive, decrementing per call.
	FailUpserts int
}

func NewReportRepository() *ReportRepository {
	return &ReportRepository{
		reports:  make(map[string]domain.RoomReport),
		results:  make(map[string]map[string]domain.ParticipantResult),
		attempts: make(map[string]domain.AttemptResult),
	}
}

var errInjected = errors.New("injected persistence failure")

func (r *ReportRepository) UpsertRoomReport(_ context.Context, report domain.RoomReport, results []domain.ParticipantResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpserts > 0 {
		r.FailUpserts--
		return errInjected
	}
	r.upserts++
	r.reports[report.RoomCode] = report
	rows := make(map[string]domain.ParticipantResult, len(results))
	for _, res := range results {
		rows[res.StudentID] = res
	}
	r.results[report.RoomCode] = rows
	return nil
}

func (r *ReportRepository) SaveAttemptResult(_ context.Context, result domain.AttemptResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[result.ID]; !ok {
		r.order = append(r.order, result.ID)
	}
	r.attempts[result.ID] = result
	return nil
}

func (r *ReportRepository) LatestAttemptResult(_ context.Context, key domain.AttemptKey) (domain.AttemptResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		latest domain.AttemptResult
		found  bool
	)
	for _, id := range r.order {
		res := r.attempts[id]
		if res.AttemptKey != key {
			continue
		}
		if !found || !res.EndTime.Before(latest.EndTime) {
			latest, found = res, true
		}
	}
	if !found {
		return domain.AttemptResult{}, domain.ErrResultNotFound
	}
	return latest, nil
}

// RoomReport returns the stored report for a room.
func (r *ReportRepository) RoomReport(roomCode string) (domain.RoomReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.reports[roomCode]
	return report, ok
}

// RoomResults returns the stored participant rows for a room.
func (r *ReportRepository) RoomResults(roomCode string) map[string]domain.ParticipantResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.ParticipantResult, len(r.results[roomCode]))
	for k, v := range r.results[roomCode] {
		out[k] = v
	}
	return out
}

// ReportCount is the number of distinct room report rows.
func (r *ReportRepository) ReportCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reports)
}

// Upserts counts successful UpsertRoomReport calls.
func (r *ReportRepository) Upserts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upserts
}

// AttemptCount is the number of distinct attempt result rows.
func (r *ReportRepository) AttemptCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attempts)
}
