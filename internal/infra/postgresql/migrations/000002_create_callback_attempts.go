package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/callback-engine/internal/repository"
	"gorm.io/gorm"
)

func createCallbackAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_callback_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.CallbackAttemptModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_callback_attempts_callback_id ON callback_attempts (callback_id, attempt_number)`,
				`CREATE INDEX IF NOT EXISTS idx_callback_attempts_disposition ON callback_attempts (disposition) WHERE disposition IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CallbackAttemptModel{})
		},
	}
}
