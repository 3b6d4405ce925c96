package service

import (
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/scheduling"
)

// Stats summarises queue health at a point in time.
type Stats struct {
	Total                  int                     `json:"total"`
	ByStatus               map[domain.Status]int   `json:"byStatus"`
	Due                    int                     `json:"due"`
	CompletedToday         int                     `json:"completedToday"`
	FailedToday            int                     `json:"failedToday"`
	AverageDurationSeconds float64                 `json:"averageDurationSeconds"`
	WaitingByPriority      map[domain.Priority]int `json:"waitingByPriority"`
	OldestDueSeconds       int                     `json:"oldestDueSeconds"`
	InProgress             bool                    `json:"inProgress"`
	GeneratedAt            time.Time               `json:"generatedAt"`
}

// Aggregate derives Stats from a snapshot of records. It never mutates records.
// "Today" starts at local midnight of now.
func Aggregate(records []domain.CallbackRequest, now time.Time) Stats {
	stats := Stats{
		Total:             len(records),
		ByStatus:          make(map[domain.Status]int, 6),
		WaitingByPriority: make(map[domain.Priority]int, 4),
		GeneratedAt:       now,
	}
	for _, p := range domain.AllPriorities() {
		stats.WaitingByPriority[p] = 0
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		completedCount int
		durationSum    int
	)
	for i := range records {
		rec := &records[i]
		stats.ByStatus[rec.Status]++

		switch rec.Status {
		case domain.StatusPending, domain.StatusScheduled:
			stats.WaitingByPriority[rec.Priority]++
		case domain.StatusInProgress:
			stats.InProgress = true
		case domain.StatusCompleted:
			completedCount++
			durationSum += rec.Duration
			if rec.CompletedAt != nil && !rec.CompletedAt.Before(midnight) {
				stats.CompletedToday++
			}
		case domain.StatusFailed:
			if rec.CompletedAt != nil && !rec.CompletedAt.Before(midnight) {
				stats.FailedToday++
			}
		}
	}

	if completedCount > 0 {
		stats.AverageDurationSeconds = float64(durationSum) / float64(completedCount)
	}

	due := scheduling.Due(records, now)
	stats.Due = len(due)
	for i := range due {
		waited := int(now.Sub(due[i].RequestedAt) / time.Second)
		if waited > stats.OldestDueSeconds {
			stats.OldestDueSeconds = waited
		}
	}

	return stats
}
