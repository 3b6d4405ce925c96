package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a callback request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Priority represents callback urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Weight orders priorities: urgent 4, high 3, normal 2, low 1, unknown 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// AllPriorities lists priorities from most to least urgent.
func AllPriorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Disposition is the outcome of a single call attempt.
type Disposition string

const (
	DispositionAnswered Disposition = "answered"
	DispositionBusy     Disposition = "busy"
	DispositionNoAnswer Disposition = "no_answer"
	DispositionFailed   Disposition = "failed"
)

func (d Disposition) String() string { return string(d) }

func (d Disposition) IsValid() bool {
	switch d {
	case DispositionAnswered, DispositionBusy, DispositionNoAnswer, DispositionFailed:
		return true
	}
	return false
}

func ParseDispositionFromString(s string) (Disposition, error) {
	d := Disposition(strings.ToLower(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("%w: invalid disposition %q", ErrValidation, s)
	}
	return d, nil
}

// Attempt limits and defaults.
const (
	DefaultMaxAttempts = 3
	MaxAttemptsLimit   = 10
)

// CallbackRequest is a deferred outbound call to a customer.
type CallbackRequest struct {
	ID           string            `json:"id"`
	CallerNumber string            `json:"callerNumber"`
	CallerName   string            `json:"callerName,omitempty"`
	TargetQueue  string            `json:"targetQueue"`
	TargetAgent  string            `json:"targetAgent,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Priority     Priority          `json:"priority"`
	Status       Status            `json:"status"`
	RequestedAt  time.Time         `json:"requestedAt"`
	ScheduledAt  *time.Time        `json:"scheduledAt,omitempty"`
	ExecutedAt   *time.Time        `json:"executedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	Channel      string            `json:"channel,omitempty"`
	Disposition  Disposition       `json:"disposition,omitempty"`
	Duration     int               `json:"duration,omitempty"`
	HandledBy    string            `json:"handledBy,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (c *CallbackRequest) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if c.CallerNumber == "" {
		return fmt.Errorf("%w: callerNumber is required", ErrValidation)
	}
	if !IsValidPhoneNumber(c.CallerNumber) {
		return fmt.Errorf("%w: invalid callerNumber %q", ErrValidation, c.CallerNumber)
	}
	if c.TargetQueue == "" {
		return fmt.Errorf("%w: targetQueue is required", ErrValidation)
	}
	if !c.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, c.Priority)
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, c.Status)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("%w: maxAttempts must be between 1 and %d", ErrValidation, MaxAttemptsLimit)
	}
	if c.Attempts < 0 || c.Attempts > c.MaxAttempts {
		return fmt.Errorf("%w: attempts %d outside [0, %d]", ErrValidation, c.Attempts, c.MaxAttempts)
	}
	if c.ScheduledAt != nil && !c.ScheduledAt.After(c.RequestedAt) {
		return fmt.Errorf("%w: scheduledAt must be after requestedAt", ErrValidation)
	}
	if c.Disposition != "" && !c.Disposition.IsValid() {
		return fmt.Errorf("%w: invalid disposition %q", ErrValidation, c.Disposition)
	}
	return nil
}

func (c *CallbackRequest) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// IsDue reports whether the request is waiting and its scheduled time has passed.
func (c *CallbackRequest) IsDue(now time.Time) bool {
	if c.Status != StatusPending && c.Status != StatusScheduled {
		return false
	}
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (c CallbackRequest) Clone() CallbackRequest {
	out := c
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.ExecutedAt = cloneTime(c.ExecutedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Dial destination: agent extension when present, otherwise the queue.
func (c *CallbackRequest) Destination() string {
	if c.TargetAgent != "" {
		return c.TargetAgent
	}
	return c.TargetQueue
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
