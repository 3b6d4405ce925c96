package domain

import "time"

// CallbackAttempt records a single origination attempt for a callback.
type CallbackAttempt struct {
	ID              string      `json:"id"`
	CallbackID      string      `json:"callbackId"`
	AttemptNumber   int         `json:"attemptNumber"`
	Channel         string      `json:"channel,omitempty"`
	Disposition     Disposition `json:"disposition,omitempty"`
	Cause           int         `json:"cause,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"startedAt"`
	EndedAt         time.Time   `json:"endedAt"`
	DurationSeconds int         `json:"durationSeconds"`
}
