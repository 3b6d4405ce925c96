package scheduling

import (
	"sort"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

// Due returns the records that may be executed at now, most urgent first.
// Ties on priority go to the oldest RequestedAt, then to the lowest ID.
// The input slice is left untouched.
func Due(records []domain.CallbackRequest, now time.Time) []domain.CallbackRequest {
	due := make([]domain.CallbackRequest, 0, len(records))
	for i := range records {
		if records[i].IsDue(now) {
			due = append(due, records[i])
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		return Less(due[i], due[j])
	})
	return due
}

// Less is the execution order used by Due.
func Less(a, b domain.CallbackRequest) bool {
	if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
		return wa > wb
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}
