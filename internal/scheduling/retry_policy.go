package scheduling

import (
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

const DefaultRetryDelay = 300 * time.Second

// RetryPolicy decides what happens to a record after a failed attempt.
type RetryPolicy struct {
	Delay time.Duration
}

func NewRetryPolicy(delay time.Duration) RetryPolicy {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return RetryPolicy{Delay: delay}
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry bool
	At    time.Time
}

func (p RetryPolicy) Decide(record domain.CallbackRequest, now time.Time) Decision {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if record.Attempts < record.MaxAttempts {
		return Decision{Retry: true, At: now.Add(delay)}
	}
	return Decision{Retry: false, At: now}
}

// Apply moves record to pending with a new ScheduledAt, or to failed.
// Attempts are never touched.
func (d Decision) Apply(record *domain.CallbackRequest) {
	if record == nil {
		return
	}

	at := d.At
	record.Channel = ""
	if d.Retry {
		record.Status = domain.StatusPending
		record.ScheduledAt = &at
		record.CompletedAt = nil
		return
	}

	record.Status = domain.StatusFailed
	record.CompletedAt = &at
}
