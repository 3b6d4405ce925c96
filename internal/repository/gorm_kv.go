package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormKVStore stores values in the kv_records table.
type GormKVStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ KVStore = (*GormKVStore)(nil)

func NewGormKVStore(db *gorm.DB) *GormKVStore {
	return &GormKVStore{db: db, now: time.Now}
}

func (r *GormKVStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	model := KVRecordModel{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: r.now().UTC(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *GormKVStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	var models []KVRecordModel
	if err := r.db.WithContext(ctx).Where("namespace = ?", namespace).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}

	out := make(map[string][]byte, len(models))
	for i := range models {
		out[models[i].Key] = models[i].Value
	}
	return out, nil
}

func (r *GormKVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", namespace, key).
		Delete(&KVRecordModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *GormKVStore) DeleteAll(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Where("namespace = ?", namespace).Delete(&KVRecordModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", namespace, err)
	}
	return nil
}
