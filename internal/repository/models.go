package repository

import (
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

// KVRecordModel is the persistence model for the kv_records table.
type KVRecordModel struct {
	Namespace string `gorm:"type:varchar(64);primaryKey"`
	Key       string `gorm:"type:varchar(128);primaryKey"`
	Value     []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

func (KVRecordModel) TableName() string {
	return "kv_records"
}

// CallbackAttemptModel is the persistence model for callback_attempts.
type CallbackAttemptModel struct {
	ID              string  `gorm:"type:uuid;primaryKey"`
	CallbackID      string  `gorm:"type:varchar(64);not null"`
	AttemptNumber   int     `gorm:"not null"`
	Channel         *string `gorm:"type:varchar(255)"`
	Disposition     *string `gorm:"type:varchar(20)"`
	Cause           *int    `gorm:"type:int"`
	Error           *string `gorm:"type:text"`
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int `gorm:"not null;default:0"`
	CreatedAt       time.Time
}

func (CallbackAttemptModel) TableName() string {
	return "callback_attempts"
}

func attemptModelFromDomain(a *domain.CallbackAttempt) *CallbackAttemptModel {
	if a == nil {
		return nil
	}

	model := &CallbackAttemptModel{
		ID:              a.ID,
		CallbackID:      a.CallbackID,
		AttemptNumber:   a.AttemptNumber,
		Channel:         optionalString(a.Channel),
		Disposition:     optionalString(a.Disposition.String()),
		Error:           optionalString(a.Error),
		StartedAt:       a.StartedAt,
		EndedAt:         a.EndedAt,
		DurationSeconds: a.DurationSeconds,
	}
	if a.Cause != 0 {
		cause := a.Cause
		model.Cause = &cause
	}
	return model
}

func attemptModelToDomain(m *CallbackAttemptModel) *domain.CallbackAttempt {
	if m == nil {
		return nil
	}

	a := &domain.CallbackAttempt{
		ID:              m.ID,
		CallbackID:      m.CallbackID,
		AttemptNumber:   m.AttemptNumber,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		DurationSeconds: m.DurationSeconds,
	}
	if m.Channel != nil {
		a.Channel = *m.Channel
	}
	if m.Disposition != nil {
		a.Disposition = domain.Disposition(*m.Disposition)
	}
	if m.Cause != nil {
		a.Cause = *m.Cause
	}
	if m.Error != nil {
		a.Error = *m.Error
	}
	return a
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
