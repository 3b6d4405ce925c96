package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
)

// ChannelEventMessage is the broker payload the switch emits for channel activity.
type ChannelEventMessage struct {
	Channel     string             `json:"channel"`
	Type        gateway.EventType  `json:"type"`
	State       string             `json:"state,omitempty"`
	Cause       int                `json:"cause,omitempty"`
	Disposition domain.Disposition `json:"disposition,omitempty"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

func (m ChannelEventMessage) Validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("channel is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", m.Type)
	}
	if m.Disposition != "" && !m.Disposition.IsValid() {
		return fmt.Errorf("invalid disposition %q", m.Disposition)
	}
	if m.Cause < 0 {
		return fmt.Errorf("invalid cause %d", m.Cause)
	}
	return nil
}

func (m ChannelEventMessage) ToGatewayEvent() gateway.ChannelEvent {
	return gateway.ChannelEvent{
		Channel:     strings.TrimSpace(m.Channel),
		Type:        m.Type,
		State:       m.State,
		Cause:       m.Cause,
		Disposition: m.Disposition,
		OccurredAt:  m.OccurredAt,
	}
}

// CallbackEventMessage announces a callback status change.
type CallbackEventMessage struct {
	CallbackID     string             `json:"callbackId"`
	Status         domain.Status      `json:"status"`
	PreviousStatus domain.Status      `json:"previousStatus,omitempty"`
	Priority       domain.Priority    `json:"priority"`
	Disposition    domain.Disposition `json:"disposition,omitempty"`
	Attempts       int                `json:"attempts"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

func (m CallbackEventMessage) Validate() error {
	if strings.TrimSpace(m.CallbackID) == "" {
		return fmt.Errorf("callbackId is required")
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	return nil
}

func CallbackEventFromRecord(rec domain.CallbackRequest, previous domain.Status, at time.Time) CallbackEventMessage {
	return CallbackEventMessage{
		CallbackID:     rec.ID,
		Status:         rec.Status,
		PreviousStatus: previous,
		Priority:       rec.Priority,
		Disposition:    rec.Disposition,
		Attempts:       rec.Attempts,
		OccurredAt:     at,
	}
}
