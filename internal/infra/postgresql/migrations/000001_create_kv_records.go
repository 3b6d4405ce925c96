package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/callback-engine/internal/repository"
	"gorm.io/gorm"
)

func createKVRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_kv_records",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.KVRecordModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.KVRecordModel{})
		},
	}
}
