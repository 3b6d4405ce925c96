package gateway

import (
	"context"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

// SwitchGateway is the outbound call-control port of the telephony switch.
type SwitchGateway interface {
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Hangup(ctx context.Context, channel string) (bool, error)
}

// OriginateRequest asks the switch to dial Target and bridge it to Extension.
type OriginateRequest struct {
	Target    string            `json:"target"`
	Context   string            `json:"context"`
	Extension string            `json:"extension"`
	CallerID  string            `json:"callerId,omitempty"`
	Timeout   time.Duration     `json:"-"`
	Variables map[string]string `json:"variables,omitempty"`
}

// OriginateResult is the synchronous acknowledgement of an origination.
type OriginateResult struct {
	Success bool   `json:"success"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventType classifies asynchronous channel events.
type EventType string

const (
	EventDialProgress EventType = "dial_progress"
	EventHangup       EventType = "hangup"
)

func (t EventType) IsValid() bool {
	return t == EventDialProgress || t == EventHangup
}

// ChannelEvent is an asynchronous notification about a channel.
// Disposition, when set, overrides the value derived from Cause.
type ChannelEvent struct {
	Channel     string             `json:"channel"`
	Type        EventType          `json:"type"`
	State       string             `json:"state,omitempty"`
	Cause       int                `json:"cause,omitempty"`
	Disposition domain.Disposition `json:"disposition,omitempty"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

// Q.850 hangup causes the switch reports.
const (
	CauseNormalClearing = 16
	CauseUserBusy       = 17
	CauseNoUserResponse = 18
	CauseNoAnswer       = 19
)

// DispositionFromCause maps a hangup cause to a call disposition.
func DispositionFromCause(cause int) domain.Disposition {
	switch cause {
	case CauseNormalClearing:
		return domain.DispositionAnswered
	case CauseUserBusy:
		return domain.DispositionBusy
	case CauseNoUserResponse, CauseNoAnswer:
		return domain.DispositionNoAnswer
	default:
		return domain.DispositionFailed
	}
}

// ResolveDisposition returns the explicit disposition or the cause mapping.
func (e ChannelEvent) ResolveDisposition() domain.Disposition {
	if e.Disposition.IsValid() {
		return e.Disposition
	}
	return DispositionFromCause(e.Cause)
}
