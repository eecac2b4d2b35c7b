package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/relay-engine/internal/repository"
)

func createMessagesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_messages",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.MessageModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key ON messages (idempotency_key) WHERE idempotency_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_retry_due ON messages (next_retry_at) WHERE status IN ('FAILED', 'QUEUED') AND moved_to_dlq_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_unacknowledged ON messages (sent_at) WHERE status = 'SENT' AND acknowledged_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_recipient_created ON messages (recipient, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_dead_lettered ON messages (moved_to_dlq_at) WHERE moved_to_dlq_at IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("messages")
		},
	}
}
