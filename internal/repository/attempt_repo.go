package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.CallbackAttempt) error
	GetByCallbackID(ctx context.Context, callbackID string) ([]domain.CallbackAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

var _ AttemptRepository = (*GormAttemptRepo)(nil)

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.CallbackAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) GetByCallbackID(ctx context.Context, callbackID string) ([]domain.CallbackAttempt, error) {
	var models []CallbackAttemptModel
	err := r.db.WithContext(ctx).
		Where("callback_id = ?", callbackID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.CallbackAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

// MemoryAttemptRepo keeps the attempt log in process memory.
type MemoryAttemptRepo struct {
	mu       sync.RWMutex
	attempts map[string][]domain.CallbackAttempt
}

var _ AttemptRepository = (*MemoryAttemptRepo)(nil)

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{attempts: make(map[string][]domain.CallbackAttempt)}
}

func (r *MemoryAttemptRepo) Create(ctx context.Context, a *domain.CallbackAttempt) error {
	if a == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[a.CallbackID] = append(r.attempts[a.CallbackID], *a)
	return nil
}

func (r *MemoryAttemptRepo) GetByCallbackID(ctx context.Context, callbackID string) ([]domain.CallbackAttempt, error) {
	r.mu.RLock()
	out := append([]domain.CallbackAttempt(nil), r.attempts[callbackID]...)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}
